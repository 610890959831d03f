package config

import (
	"strings"
	"testing"
)

func TestParseAppliesDefaultsWhenFileIsEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ThreadLimit != 8 || cfg.ControlPort != 6789 {
		t.Fatalf("expected typed defaults, got %+v", cfg)
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	cfg, err := Parse(strings.NewReader("# a comment\n\n   \nthread-limit=4\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ThreadLimit != 4 {
		t.Fatalf("expected thread-limit=4, got %d", cfg.ThreadLimit)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus-option=1\n"))
	if err == nil {
		t.Fatal("expected an unrecognized option to be rejected")
	}
}

func TestParseAllowsDollarPrefixedUserVariables(t *testing.T) {
	cfg, err := Parse(strings.NewReader("$MYVAR=hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserVars["$MYVAR"] != "hello" {
		t.Fatalf("expected user variable to be captured, got %+v", cfg.UserVars)
	}
}

func TestParseSubstitutesAgainstPriorKeys(t *testing.T) {
	cfg, err := Parse(strings.NewReader("main-dir=/srv/hexfeed\ndest-dir=${main-dir}/done\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DestDir != "/srv/hexfeed/done" {
		t.Fatalf("expected substituted dest-dir, got %q", cfg.DestDir)
	}
}

func TestParseSubstitutesAgainstEnvironment(t *testing.T) {
	t.Setenv("HEXFEED_TEST_VAR", "from-env")
	cfg, err := Parse(strings.NewReader("main-dir=${HEXFEED_TEST_VAR}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainDir != "from-env" {
		t.Fatalf("expected env substitution, got %q", cfg.MainDir)
	}
}

func TestParseRejectsUndefinedVariable(t *testing.T) {
	_, err := Parse(strings.NewReader("main-dir=${NOPE_NOT_DEFINED}\n"))
	if err == nil {
		t.Fatal("expected an undefined ${VAR} reference to fail")
	}
}

func TestParseAcceptsAllRecognizedBooleanSpellings(t *testing.T) {
	for _, v := range []string{"yes", "no", "true", "false", "1", "0", "on", "off", "enable", "disable"} {
		_, err := Parse(strings.NewReader("save-queue=" + v + "\n"))
		if err != nil {
			t.Fatalf("expected %q to be a recognized boolean, got error: %v", v, err)
		}
	}
	_, err := Parse(strings.NewReader("save-queue=maybe\n"))
	if err == nil {
		t.Fatal("expected an unrecognized boolean spelling to fail")
	}
}

func TestParseCollectsServerBlocksInOrder(t *testing.T) {
	cfg, err := Parse(strings.NewReader(
		"server2.host=b.example.com\nserver2.port=119\n" +
			"server1.host=a.example.com\nserver1.connections=10\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 server blocks, got %d", len(cfg.Servers))
	}
	if cfg.Servers[0].Host != "a.example.com" || cfg.Servers[0].Connections != 10 {
		t.Fatalf("expected server1 first, got %+v", cfg.Servers[0])
	}
	if cfg.Servers[1].Host != "b.example.com" || cfg.Servers[1].Port != 119 {
		t.Fatalf("expected server2 second, got %+v", cfg.Servers[1])
	}
}

func TestParseRejectsReloadQueueOutsideAllowedValues(t *testing.T) {
	_, err := Parse(strings.NewReader("reload-queue=sometimes\n"))
	if err == nil {
		t.Fatal("expected an invalid reload-queue value to fail")
	}
}

func TestParseExpandsHomeDirectoryPrefix(t *testing.T) {
	t.Setenv("HOME", "/home/hexfeed")
	cfg, err := Parse(strings.NewReader("main-dir=~/downloads\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MainDir != "/home/hexfeed/downloads" {
		t.Fatalf("expected ~/ expansion, got %q", cfg.MainDir)
	}
}

func TestParseSplitsCleanupExtensionsOnComma(t *testing.T) {
	cfg, err := Parse(strings.NewReader("cleanup-extensions=.nfo,.txt\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.CleanupExts) != 2 || cfg.CleanupExts[0] != ".nfo" || cfg.CleanupExts[1] != ".txt" {
		t.Fatalf("unexpected cleanup extensions: %+v", cfg.CleanupExts)
	}
}

func TestParseRejectsLineWithoutEquals(t *testing.T) {
	_, err := Parse(strings.NewReader("not-a-key-value-line\n"))
	if err == nil {
		t.Fatal("expected a line without '=' to fail")
	}
}
