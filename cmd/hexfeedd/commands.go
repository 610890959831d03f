package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hexfeed/hexfeedd/config"
	"github.com/hexfeed/hexfeedd/rpc"
)

// cmdPrintConfig loads the config file and prints its resolved,
// defaulted values, without starting anything (SPEC_FULL.md §6's
// "print config" command).
func cmdPrintConfig(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return exitMisconfig
	}
	fmt.Printf("%+v\n", *cfg)
	return exitSuccess
}

// cmdServer loads the config and runs the daemon in the foreground
// until a Shutdown request or signal arrives.
func cmdServer(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return exitMisconfig
	}
	d, err := newDaemon(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "starting daemon:", err)
		return exitMisconfig
	}
	if err := d.run(); err != nil {
		fmt.Fprintln(os.Stderr, "daemon exited with an error:", err)
		return exitMisconfig
	}
	return exitSuccess
}

// cmdAppend submits an NZB file to a running daemon. Usage:
// hexfeedd append <path.nzb> [category] [--first]
func cmdAppend(client *rpc.Client, args []string) int {
	var first bool
	var positional []string
	for _, a := range args {
		if a == "--first" {
			first = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "usage: hexfeedd append <path.nzb> [category] [--first]")
		return exitMisconfig
	}
	path := positional[0]
	category := ""
	if len(positional) > 1 {
		category = positional[1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading nzb file:", err)
		return exitMisconfig
	}
	ok, text, err := client.Download(filenameOf(path), category, data, first)
	return reportResult(ok, text, err)
}

func filenameOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func cmdList(client *rpc.Client) int {
	files, err := client.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		return exitMisconfig
	}
	for _, f := range files {
		fmt.Printf("%d\t%s\t%d/%d bytes remaining\n", f.ID, f.Filename, f.RemainingSize, f.TotalSize)
	}
	return exitSuccess
}

func cmdPauseUnpause(client *rpc.Client, pause bool) int {
	ok, text, err := client.PauseUnpause(pause)
	return reportResult(ok, text, err)
}

// cmdSetRate expects a single argument, the new rate cap in KB/s.
func cmdSetRate(client *rpc.Client, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: hexfeedd rate <KBps>")
		return exitMisconfig
	}
	kbps, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid rate:", err)
		return exitMisconfig
	}
	ok, text, err := client.SetDownloadRate(uint32(kbps) * 1024)
	return reportResult(ok, text, err)
}

func cmdRequestLog(client *rpc.Client) int {
	ok, text, err := client.RequestLog()
	return reportResult(ok, text, err)
}

// cmdEditQueue expects: <action> <id>[,<id>...], where action is one
// of top|bottom|pause|resume|delete|offset=<n>.
func cmdEditQueue(client *rpc.Client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hexfeedd editqueue <top|bottom|pause|resume|delete|offset=N> <id,id,...>")
		return exitMisconfig
	}
	ids, err := parseIDs(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMisconfig
	}

	action := args[0]
	var ok bool
	var text string
	switch {
	case action == "top":
		ok, text, err = client.MoveTop(ids)
	case action == "bottom":
		ok, text, err = client.MoveBottom(ids)
	case action == "pause":
		ok, text, err = client.Pause(ids)
	case action == "resume":
		ok, text, err = client.Resume(ids)
	case action == "delete":
		ok, text, err = client.Delete(ids)
	case strings.HasPrefix(action, "offset="):
		n, perr := strconv.Atoi(strings.TrimPrefix(action, "offset="))
		if perr != nil {
			fmt.Fprintln(os.Stderr, "invalid offset:", perr)
			return exitMisconfig
		}
		ok, text, err = client.MoveOffset(ids, n)
	default:
		fmt.Fprintln(os.Stderr, "unrecognized editqueue action:", action)
		return exitMisconfig
	}
	return reportResult(ok, text, err)
}

// cmdSetPriority implements "set id selection": hexfeedd setid
// <id,id,...> <priority>.
func cmdSetPriority(client *rpc.Client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: hexfeedd setid <id,id,...> <priority>")
		return exitMisconfig
	}
	ids, err := parseIDs(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMisconfig
	}
	priority, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid priority:", err)
		return exitMisconfig
	}
	ok, text, err := client.SetPriority(ids, priority)
	return reportResult(ok, text, err)
}

func cmdShutdown(client *rpc.Client) int {
	ok, text, err := client.Shutdown()
	return reportResult(ok, text, err)
}

func parseIDs(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
