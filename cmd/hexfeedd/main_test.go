package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunPrintConfigSucceedsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hexfeed.conf")
	if err := os.WriteFile(path, []byte("thread-limit=4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"-config", path, "printconfig"}); code != exitSuccess {
		t.Fatalf("expected exitSuccess, got %d", code)
	}
}

func TestRunRejectsMissingCommand(t *testing.T) {
	if code := run(nil); code != exitMisconfig {
		t.Fatalf("expected exitMisconfig when no command is given, got %d", code)
	}
}

func TestRunVersionExitsWithCodeOne(t *testing.T) {
	if code := run([]string{"-version"}); code != exitVersionExit {
		t.Fatalf("expected exitVersionExit, got %d", code)
	}
}

func TestRunRejectsUnrecognizedCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hexfeed.conf")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"-config", path, "bogus"}); code != exitMisconfig {
		t.Fatalf("expected exitMisconfig for an unrecognized command, got %d", code)
	}
}

func TestRunAppendFailsFastWhenDaemonUnreachable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hexfeed.conf")
	if err := os.WriteFile(path, []byte("control-port=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nzbPath := filepath.Join(dir, "x.nzb")
	if err := os.WriteFile(nzbPath, []byte("<nzb/>"), 0644); err != nil {
		t.Fatal(err)
	}
	code := run([]string{"-config", path, "-addr", "127.0.0.1:1", "append", nzbPath})
	if code != exitMisconfig {
		t.Fatalf("expected exitMisconfig when the daemon is unreachable, got %d", code)
	}
}
