package pack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lfs-tools/lpkg/internal/archext"
	"github.com/lfs-tools/lpkg/internal/store"
	"github.com/lfs-tools/lpkg/internal/version"
)

func buildSrcTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "tool"), []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "share", "empty"), 0755); err != nil {
		t.Fatalf("mkdir empty: %v", err)
	}
	if err := os.Symlink("tool", filepath.Join(root, "bin", "tool-link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	return root
}

func TestBuildRoundTripsThroughExtract(t *testing.T) {
	srcTree := buildSrcTree(t)
	manifest := Manifest{
		DestPrefix: "/usr",
		Deps:       []store.Dep{{Name: "libc", Op: version.OpGE, Req: "2.0"}, {Name: "bash"}},
		ManText:    "tool - a test tool\n",
		Provides:   []string{"tool-cli"},
	}

	archiveDir := t.TempDir()
	archive := filepath.Join(archiveDir, "tool-1.0.lpkg")
	if err := Build(srcTree, manifest, archive, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	extractDir := t.TempDir()
	if err := archext.Extract(archive, extractDir, nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(extractDir, "content", "bin", "tool"))
	if err != nil {
		t.Fatalf("reading extracted tool: %v", err)
	}
	if string(data) != "#!/bin/sh\necho hi\n" {
		t.Fatalf("unexpected tool content: %q", data)
	}

	if fi, err := os.Stat(filepath.Join(extractDir, "content", "share", "empty")); err != nil || !fi.IsDir() {
		t.Fatalf("expected empty dir preserved: %v", err)
	}

	link := filepath.Join(extractDir, "content", "bin", "tool-link")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "tool" {
		t.Fatalf("unexpected symlink target: %q", target)
	}

	filesTxt, err := os.ReadFile(filepath.Join(extractDir, "files.txt"))
	if err != nil {
		t.Fatalf("reading files.txt: %v", err)
	}
	if got := string(filesTxt); got != "bin/tool\t/usr\nbin/tool-link\t/usr\n" {
		t.Fatalf("unexpected files.txt: %q", got)
	}

	depsTxt, err := os.ReadFile(filepath.Join(extractDir, "deps.txt"))
	if err != nil {
		t.Fatalf("reading deps.txt: %v", err)
	}
	if got := string(depsTxt); got != "libc >= 2.0\nbash\n" {
		t.Fatalf("unexpected deps.txt: %q", got)
	}

	provides, err := os.ReadFile(filepath.Join(extractDir, "provides.txt"))
	if err != nil {
		t.Fatalf("reading provides.txt: %v", err)
	}
	if string(provides) != "tool-cli\n" {
		t.Fatalf("unexpected provides.txt: %q", provides)
	}
}

func TestBuildIncludesHooks(t *testing.T) {
	srcTree := buildSrcTree(t)
	hooksDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(hooksDir, "post-install"), []byte("#!/bin/sh\ntrue\n"), 0755); err != nil {
		t.Fatalf("write hook: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "tool-1.0.lpkg")
	manifest := Manifest{DestPrefix: "/usr", HooksDir: hooksDir}
	if err := Build(srcTree, manifest, archive, nil); err != nil {
		t.Fatalf("Build: %v", err)
	}

	extractDir := t.TempDir()
	if err := archext.Extract(archive, extractDir, nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(extractDir, "hooks", "post-install"))
	if err != nil {
		t.Fatalf("reading extracted hook: %v", err)
	}
	if string(data) != "#!/bin/sh\ntrue\n" {
		t.Fatalf("unexpected hook content: %q", data)
	}
}
