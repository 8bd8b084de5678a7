package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for unknown flag, got %d", code)
	}
}

func TestRunRejectsMissingNodeAddr(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--datadir", t.TempDir()}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 without --node, got %d", code)
	}
	if !strings.Contains(stderr.String(), "missing --node") {
		t.Fatalf("expected missing-node message, got %q", stderr.String())
	}
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--log-level", "chatty"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for bad log level, got %d", code)
	}
}

func TestRunDevDryRun(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{"--dev", "0", "--datadir", dir, "--dry-run"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config ok") {
		t.Fatalf("expected config summary on stdout, got %q", stdout.String())
	}
	for _, name := range []string{".committee.json", ".workers.json", ".parameters.json", ".primary-0-key.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to be provisioned: %v", name, err)
		}
	}
}

func TestProvisionDevIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := provisionDev(dir, 0, 1); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, ".committee.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := provisionDev(dir, 0, 1); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, ".committee.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("re-provisioning rewrote the committee file")
	}
}

// Every devnet seat must derive the identical committee file, since there
// is no exchange step to reconcile them.
func TestProvisionDevSeatsAgree(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := provisionDev(dirA, 7, 0); err != nil {
		t.Fatal(err)
	}
	if err := provisionDev(dirB, 7, 3); err != nil {
		t.Fatal(err)
	}
	a, err := os.ReadFile(filepath.Join(dirA, ".committee.json"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dirB, ".committee.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("seats 0 and 3 derived different committee files")
	}
}

func TestProvisionDevRejectsOutOfRangeSeat(t *testing.T) {
	if err := provisionDev(t.TempDir(), 0, devSeats); err == nil {
		t.Fatalf("expected out-of-range seat to be rejected")
	}
}
