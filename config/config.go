// Package config implements A1: the key=value configuration file
// format described in SPEC_FULL.md §6. It is hand-rolled rather than
// built on a third-party flag/config library because no package in the
// corpus implements this file's particular substitution-against-prior-
// keys semantics (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/NebulousLabs/errors"
)

// ServerConfig is one serverN.* block (SPEC_FULL.md §6).
type ServerConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Connections int
	Level       int
}

// Config is the fully typed, defaulted result of parsing a config
// file. cmd/hexfeedd threads one of these into every constructor
// instead of any package reading process-global state (SPEC_FULL.md's
// "AMBIENT STACK" note on spec.md §9's singleton-removal flag).
type Config struct {
	MainDir  string
	DestDir  string
	TempDir  string
	QueueDir string

	ArticleTimeout   int // seconds
	ArticleRetries   int
	RetryIntervalSec int

	ThreadLimit         int
	TerminateTimeoutSec int
	DownloadRateLimit   int // KB/s, 0 = unlimited

	ParRepair     bool
	ParScan       bool
	UnpackCleanup bool
	CleanupExts   []string

	ControlIP       string
	ControlPort     int
	ControlPassword string
	ControlPortForward bool

	SaveQueue   bool
	ReloadQueue string // "yes", "no", or "ask"

	Servers []ServerConfig

	// UserVars holds every $-prefixed key verbatim, available for
	// substitution in later values and exposed to post-processing
	// scripts (SPEC_FULL.md §6).
	UserVars map[string]string
}

// defaults mirrors the option table's typed defaults (SPEC_FULL.md §6:
// "each recognized option has a typed default").
func defaults() Config {
	return Config{
		MainDir:             ".",
		DestDir:             "dst",
		TempDir:             "tmp",
		QueueDir:            "queue",
		ArticleTimeout:      60,
		ArticleRetries:      3,
		RetryIntervalSec:    10,
		ThreadLimit:         8,
		TerminateTimeoutSec: 10,
		DownloadRateLimit:   0,
		ParRepair:           true,
		ParScan:             true,
		UnpackCleanup:       true,
		CleanupExts:         []string{".par2", ".sfv", ".nzb"},
		ControlIP:           "0.0.0.0",
		ControlPort:         6789,
		ControlPortForward:  false,
		SaveQueue:           true,
		ReloadQueue:         "yes",
		UserVars:            make(map[string]string),
	}
}

var boolValues = map[string]bool{
	"yes": true, "true": true, "1": true, "on": true, "enable": true,
	"no": false, "false": false, "0": false, "off": false, "disable": false,
}

func parseBool(key, v string) (bool, error) {
	b, ok := boolValues[strings.ToLower(v)]
	if !ok {
		return false, errors.New(fmt.Sprintf("%s: %q is not a recognized boolean value", key, v))
	}
	return b, nil
}

var varRef = regexp.MustCompile(`\$\{([^}]+)\}`)
var serverKeyRe = regexp.MustCompile(`^server(\d+)\.(host|port|username|password|connections|level)$`)

// Load reads and parses the config file at path, following
// ${VAR} substitution, comment/blank-line skipping, boolean value
// parsing, $-prefixed user variables, serverN.* blocks, and ~/
// expansion, exactly as SPEC_FULL.md §6 describes. Unknown keys not
// matching either pattern are a fatal error (spec.md §7's "Config
// fatal" row).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.AddContext(err, "opening config file")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a config stream. Exposed separately from Load so tests
// and the print-config CLI command can feed an in-memory reader.
func Parse(r io.Reader) (*Config, error) {
	cfg := defaults()
	values := make(map[string]string)
	servers := make(map[int]*ServerConfig)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errors.New(fmt.Sprintf("line %d: missing '=' in %q", lineNo, line))
		}
		key := strings.TrimSpace(line[:eq])
		raw := strings.TrimSpace(line[eq+1:])

		val, err := substitute(raw, values)
		if err != nil {
			return nil, errors.AddContext(err, fmt.Sprintf("line %d", lineNo))
		}
		val = expandHome(val)
		values[key] = val

		if err := apply(&cfg, key, val, servers); err != nil {
			return nil, errors.AddContext(err, fmt.Sprintf("line %d", lineNo))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		cfg.Servers = append(cfg.Servers, *servers[id])
	}
	return &cfg, nil
}

// substitute replaces every ${KEY} reference in s with the value
// already assigned to KEY earlier in the file, falling back to the
// process environment (SPEC_FULL.md §6: "substitution against
// previously defined keys and against environment").
func substitute(s string, prior map[string]string) (string, error) {
	var outerErr error
	result := varRef.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := prior[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		outerErr = errors.New(fmt.Sprintf("undefined variable ${%s}", name))
		return m
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// expandHome substitutes a leading ~/ against $HOME, per SPEC_FULL.md
// §6.
func expandHome(s string) string {
	if !strings.HasPrefix(s, "~/") {
		return s
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	return filepath.Join(home, s[2:])
}

// apply routes one parsed key=value pair into cfg, the running
// serverN.* block map, or rejects it, per the option table described
// in SPEC_FULL.md §6.
func apply(cfg *Config, key, val string, servers map[int]*ServerConfig) error {
	if strings.HasPrefix(key, "$") {
		cfg.UserVars[key] = val
		return nil
	}
	if m := serverKeyRe.FindStringSubmatch(key); m != nil {
		id, _ := strconv.Atoi(m[1])
		sc, ok := servers[id]
		if !ok {
			sc = &ServerConfig{Connections: 1, Level: 0}
			servers[id] = sc
		}
		switch m[2] {
		case "host":
			sc.Host = val
		case "port":
			n, err := strconv.Atoi(val)
			if err != nil {
				return errors.New(key + ": " + err.Error())
			}
			sc.Port = n
		case "username":
			sc.Username = val
		case "password":
			sc.Password = val
		case "connections":
			n, err := strconv.Atoi(val)
			if err != nil {
				return errors.New(key + ": " + err.Error())
			}
			sc.Connections = n
		case "level":
			n, err := strconv.Atoi(val)
			if err != nil {
				return errors.New(key + ": " + err.Error())
			}
			sc.Level = n
		}
		return nil
	}

	switch key {
	case "main-dir":
		cfg.MainDir = val
	case "dest-dir":
		cfg.DestDir = val
	case "temp-dir":
		cfg.TempDir = val
	case "queue-dir":
		cfg.QueueDir = val
	case "article-timeout":
		return setInt(key, val, &cfg.ArticleTimeout)
	case "article-retries":
		return setInt(key, val, &cfg.ArticleRetries)
	case "retry-interval":
		return setInt(key, val, &cfg.RetryIntervalSec)
	case "thread-limit":
		return setInt(key, val, &cfg.ThreadLimit)
	case "terminate-timeout":
		return setInt(key, val, &cfg.TerminateTimeoutSec)
	case "download-rate":
		return setInt(key, val, &cfg.DownloadRateLimit)
	case "par-repair":
		return setBool(key, val, &cfg.ParRepair)
	case "par-scan":
		return setBool(key, val, &cfg.ParScan)
	case "unpack-cleanup":
		return setBool(key, val, &cfg.UnpackCleanup)
	case "cleanup-extensions":
		cfg.CleanupExts = strings.Split(val, ",")
	case "control-ip":
		cfg.ControlIP = val
	case "control-port":
		return setInt(key, val, &cfg.ControlPort)
	case "control-password":
		cfg.ControlPassword = val
	case "control-port-forward":
		return setBool(key, val, &cfg.ControlPortForward)
	case "save-queue":
		return setBool(key, val, &cfg.SaveQueue)
	case "reload-queue":
		if val != "yes" && val != "no" && val != "ask" {
			return errors.New(key + `: must be "yes", "no", or "ask"`)
		}
		cfg.ReloadQueue = val
	default:
		return errors.New(fmt.Sprintf("unrecognized option %q", key))
	}
	return nil
}

func setInt(key, val string, dst *int) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return errors.New(key + ": " + err.Error())
	}
	*dst = n
	return nil
}

func setBool(key, val string, dst *bool) error {
	b, err := parseBool(key, val)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
