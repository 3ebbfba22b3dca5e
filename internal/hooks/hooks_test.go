package hooks

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHook(t *testing.T, hooksDir, pkg string, hook Name, body string) string {
	t.Helper()
	dir := filepath.Join(hooksDir, pkg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, string(hook))
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write hook: %v", err)
	}
	return path
}

func TestRunMissingHookIsNoop(t *testing.T) {
	hooksDir := t.TempDir()
	if err := Run("/", hooksDir, "foo", PostInstall, false, nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestRunSkippedWhenNoHooks(t *testing.T) {
	hooksDir := t.TempDir()
	marker := filepath.Join(hooksDir, "ran")
	writeHook(t, hooksDir, "foo", PostInstall, "#!/bin/sh\ntouch "+marker+"\n")

	if err := Run("/", hooksDir, "foo", PostInstall, true, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("hook must not run when noHooks is set")
	}
}

func TestRunDirectExecutesOnLiveRoot(t *testing.T) {
	hooksDir := t.TempDir()
	marker := filepath.Join(hooksDir, "ran")
	writeHook(t, hooksDir, "foo", PostInstall, "#!/bin/sh\ntouch "+marker+"\n")

	if err := Run("/", hooksDir, "foo", PostInstall, false, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected hook to have run: %v", err)
	}
}

func TestRunDirectNonZeroExitIsNotError(t *testing.T) {
	hooksDir := t.TempDir()
	writeHook(t, hooksDir, "foo", PreRemove, "#!/bin/sh\nexit 1\n")

	if err := Run("/", hooksDir, "foo", PreRemove, false, nil); err != nil {
		t.Fatalf("non-zero hook exit must not surface as an error, got %v", err)
	}
}
