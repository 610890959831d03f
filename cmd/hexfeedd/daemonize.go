package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/hexfeed/hexfeedd/config"
)

// daemonizeEnvVar marks a re-exec'd child as already detached, so it
// runs the server directly instead of forking again.
const daemonizeEnvVar = "HEXFEEDD_DAEMONIZED"

// cmdDaemonize re-execs the current binary detached from the
// controlling terminal and exits the parent immediately, the
// "daemonize" command from SPEC_FULL.md §6. The child's stdout/stderr
// are redirected to the configured log file since daemonizing drops
// the terminal that would otherwise show them.
func cmdDaemonize(configPath string) int {
	if os.Getenv(daemonizeEnvVar) == "1" {
		return cmdServer(configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return exitMisconfig
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolving executable path:", err)
		return exitMisconfig
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.MainDir, "hexfeedd.daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening daemon log:", err)
		return exitMisconfig
	}
	defer logFile.Close()

	child := exec.Command(self, "-config", configPath, "server")
	child.Env = append(os.Environ(), daemonizeEnvVar+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "starting daemonized process:", err)
		return exitMisconfig
	}
	fmt.Println("hexfeedd started in the background, pid", child.Process.Pid)
	return exitSuccess
}
