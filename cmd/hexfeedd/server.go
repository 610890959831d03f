package main

import (
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hexfeed/hexfeedd/config"
	"github.com/hexfeed/hexfeedd/modules/coordinator"
	"github.com/hexfeed/hexfeedd/modules/par"
	"github.com/hexfeed/hexfeedd/modules/postprocess"
	"github.com/hexfeed/hexfeedd/modules/queue"
	"github.com/hexfeed/hexfeedd/modules/serverpool"
	"github.com/hexfeed/hexfeedd/modules/worker"
	"github.com/hexfeed/hexfeedd/nzb"
	"github.com/hexfeed/hexfeedd/persist"
	"github.com/hexfeed/hexfeedd/persistencehook"
	"github.com/hexfeed/hexfeedd/rpc"
)

// daemon holds every long-lived component wired together for the
// "run as server" command, and knows how to tear all of it down in
// reverse construction order.
type daemon struct {
	cfg   *config.Config
	log   *persist.Logger
	q     *queue.Queue
	coord *coordinator.Coordinator
	rpc   *rpc.Server
	hook  *persistencehook.BoltHook

	saveTicker *time.Ticker
	stopSave   chan struct{}
	done       chan struct{}
}

// newDaemon constructs every C1–C10 component against cfg, wiring the
// out-of-scope collaborators (transport, decoder, extractor) to the
// unimplemented stubs in plugins.go. A real deployment supplies its
// own Dialer/Fetcher/Extractor/SourceLoader at these same call sites.
func newDaemon(cfg *config.Config) (*daemon, error) {
	log, err := persist.NewLogger(filepath.Join(cfg.MainDir, "hexfeedd.log"))
	if err != nil {
		return nil, err
	}

	q := queue.New()
	editor := queue.NewEditor(q)

	servers := make([]serverpool.ServerConfig, len(cfg.Servers))
	for i, sc := range cfg.Servers {
		servers[i] = serverpool.ServerConfig{
			ID:          i + 1,
			Host:        sc.Host,
			Port:        sc.Port,
			Username:    sc.Username,
			Password:    sc.Password,
			Connections: sc.Connections,
			Tier:        sc.Level,
		}
	}
	pool := serverpool.New(servers, unimplementedDialer{}, log)

	coordCfg := coordinator.Config{
		ThreadLimit:      cfg.ThreadLimit,
		TerminateTimeout: time.Duration(cfg.TerminateTimeoutSec) * time.Second,
		TempDir:          cfg.TempDir,
		Worker: worker.Config{
			MaxRetries:    cfg.ArticleRetries,
			RetryInterval: time.Duration(cfg.RetryIntervalSec) * time.Second,
		},
	}
	coord := coordinator.New(q, pool, unimplementedFetcher{}, tempFileOpener, nil, coordCfg)

	parEng := par.New(coord)
	driver := postprocess.New(q, parEng, unimplementedExtractor{}, unimplementedSourceLoader{}, postprocess.Config{
		RepairEnabled: cfg.ParRepair,
		CleanupExts:   cfg.CleanupExts,
	}, log)
	coord.SetPostHandoff(driver)

	var hook *persistencehook.BoltHook
	if cfg.SaveQueue {
		dbPath := filepath.Join(cfg.QueueDir, "queue.db")
		hook, err = persistencehook.New(dbPath, cfg.TempDir)
		if err != nil {
			return nil, err
		}
		if cfg.ReloadQueue == "no" {
			if err := hook.Discard(); err != nil {
				return nil, err
			}
			hook, err = persistencehook.New(dbPath, cfg.TempDir)
			if err != nil {
				return nil, err
			}
		} else if hook.Exists() {
			if err := hook.Load(q); err != nil {
				log.Severe("failed to reload queue snapshot:", err)
			}
		}
		if err := hook.CleanupTempDir(q); err != nil {
			log.Println("temp directory cleanup failed:", err)
		}
	}

	submitter := nzb.New(q, editor)

	d := &daemon{cfg: cfg, log: log, q: q, coord: coord, hook: hook, stopSave: make(chan struct{}), done: make(chan struct{})}
	rpcServer := rpc.New(rpc.Config{
		Password:          cfg.ControlPassword,
		EnablePortForward: cfg.ControlPortForward,
	}, q, editor, coord, submitter, log, d.shutdown)
	d.rpc = rpcServer

	return d, nil
}

// run starts the coordinator and RPC server and blocks until the RPC
// listener closes (normally triggered by a Shutdown request).
func (d *daemon) run() error {
	go d.coord.Run()
	if d.hook != nil {
		d.saveTicker = time.NewTicker(time.Minute)
		go d.periodicSave()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			d.shutdown()
		case <-d.done:
		}
	}()
	addr := net.JoinHostPort(d.cfg.ControlIP, strconv.Itoa(d.cfg.ControlPort))
	if err := d.rpc.Serve(addr); err != nil {
		return err
	}
	<-d.done
	return nil
}

func (d *daemon) periodicSave() {
	for {
		select {
		case <-d.saveTicker.C:
			if err := d.hook.Save(d.q); err != nil {
				d.log.Severe("periodic queue snapshot failed:", err)
			}
		case <-d.stopSave:
			return
		}
	}
}

// shutdown is the RPC server's onShutdown callback (SPEC_FULL.md §6's
// Shutdown request): it saves one final snapshot and closes every
// component in reverse construction order.
func (d *daemon) shutdown() {
	if d.saveTicker != nil {
		d.saveTicker.Stop()
		close(d.stopSave)
	}
	d.coord.Stop()
	if d.hook != nil {
		if err := d.hook.Save(d.q); err != nil {
			d.log.Severe("final queue snapshot failed:", err)
		}
		d.hook.Close()
	}
	d.rpc.Close()
	d.log.Close()
	close(d.done)
}

// tempFileOpener creates (and, if necessary, the parent directory of)
// the per-article temp file a worker decodes into.
func tempFileOpener(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
