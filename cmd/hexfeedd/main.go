// Command hexfeedd is the daemon entry point (SPEC_FULL.md §6's CLI
// surface): it either runs the server in the foreground/background, or
// acts as a thin RPC client issuing one request against an already
// running daemon, the same split siac draws against siad.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hexfeed/hexfeedd/build"
	"github.com/hexfeed/hexfeedd/config"
	"github.com/hexfeed/hexfeedd/rpc"
)

const (
	exitSuccess     = 0
	exitMisconfig   = -1
	exitVersionExit = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	globals := flag.NewFlagSet("hexfeedd", flag.ContinueOnError)
	configPath := globals.String("config", "hexfeed.conf", "path to the configuration file")
	addr := globals.String("addr", "", "host:port of a running daemon's control port (overrides config)")
	password := globals.String("password", "", "control password (overrides config)")
	showVersion := globals.Bool("version", false, "print the version and exit")
	globals.SetOutput(os.Stderr)

	if err := globals.Parse(args); err != nil {
		return exitMisconfig
	}
	if *showVersion {
		fmt.Println("hexfeedd " + build.Version)
		return exitVersionExit
	}

	rest := globals.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hexfeedd [flags] <command> [args]")
		return exitMisconfig
	}
	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == "printconfig" {
		return cmdPrintConfig(*configPath)
	}
	if cmd == "server" {
		return cmdServer(*configPath)
	}
	if cmd == "daemon" {
		return cmdDaemonize(*configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return exitMisconfig
	}
	clientAddr := *addr
	if clientAddr == "" {
		clientAddr = fmt.Sprintf("%s:%d", cfg.ControlIP, cfg.ControlPort)
		if cfg.ControlIP == "0.0.0.0" {
			clientAddr = fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort)
		}
	}
	clientPassword := *password
	if clientPassword == "" {
		clientPassword = cfg.ControlPassword
	}
	client := rpc.NewClient(clientAddr, clientPassword)

	switch cmd {
	case "append":
		return cmdAppend(client, cmdArgs)
	case "list":
		return cmdList(client)
	case "pause":
		return cmdPauseUnpause(client, true)
	case "unpause":
		return cmdPauseUnpause(client, false)
	case "rate":
		return cmdSetRate(client, cmdArgs)
	case "log":
		return cmdRequestLog(client)
	case "editqueue":
		return cmdEditQueue(client, cmdArgs)
	case "setid":
		return cmdSetPriority(client, cmdArgs)
	case "shutdown":
		return cmdShutdown(client)
	default:
		fmt.Fprintln(os.Stderr, "unrecognized command:", cmd)
		return exitMisconfig
	}
}

func reportResult(ok bool, text string, err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		return exitMisconfig
	}
	fmt.Println(text)
	if !ok {
		return exitMisconfig
	}
	return exitSuccess
}
