package main

import "testing"

func TestParseIDsSplitsOnComma(t *testing.T) {
	ids, err := parseIDs("1, 2,3")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestParseIDsRejectsNonNumeric(t *testing.T) {
	if _, err := parseIDs("1,abc"); err == nil {
		t.Fatal("expected a non-numeric id to be rejected")
	}
}

func TestFilenameOfStripsDirectory(t *testing.T) {
	if got := filenameOf("/tmp/nzbs/movie.nzb"); got != "movie.nzb" {
		t.Fatalf("expected movie.nzb, got %q", got)
	}
	if got := filenameOf("movie.nzb"); got != "movie.nzb" {
		t.Fatalf("expected movie.nzb, got %q", got)
	}
}

func TestReportResultReturnsMisconfigOnError(t *testing.T) {
	if code := reportResult(true, "", errTest); code != exitMisconfig {
		t.Fatalf("expected exitMisconfig on error, got %d", code)
	}
}

func TestReportResultReturnsMisconfigOnFailure(t *testing.T) {
	if code := reportResult(false, "nope", nil); code != exitMisconfig {
		t.Fatalf("expected exitMisconfig when ok=false, got %d", code)
	}
}

func TestReportResultReturnsSuccess(t *testing.T) {
	if code := reportResult(true, "done", nil); code != exitSuccess {
		t.Fatalf("expected exitSuccess, got %d", code)
	}
}

var errTest = testError("boom")

type testError string

func (e testError) Error() string { return string(e) }
