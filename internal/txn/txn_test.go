package txn

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/resolver"
)

func writeTarEntry(tw *tar.Writer, name string, typeflag byte, body string) {
	hdr := &tar.Header{Name: name, Typeflag: typeflag, Mode: 0644, Size: int64(len(body))}
	if typeflag == tar.TypeDir {
		hdr.Mode = 0755
	}
	tw.WriteHeader(hdr)
	if body != "" {
		tw.Write([]byte(body))
	}
}

func buildArchive(t *testing.T, path, filesLine, depsText string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)

	writeTarEntry(tw, "files.txt", tar.TypeReg, filesLine)
	writeTarEntry(tw, "deps.txt", tar.TypeReg, depsText)
	writeTarEntry(tw, "man.txt", tar.TypeReg, "a test tool\n")
	writeTarEntry(tw, "content/", tar.TypeDir, "")
	writeTarEntry(tw, "content/bin/", tar.TypeDir, "")
	writeTarEntry(tw, "content/bin/tool", tar.TypeReg, "#!/bin/sh\necho hi\n")

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
}

func testCtx(t *testing.T) *engine.Ctx {
	t.Helper()
	ctx, err := engine.New(t.TempDir())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return ctx
}

func TestInstallHappyPathCommits(t *testing.T) {
	ctx := testCtx(t)
	tx, err := Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tx.Close()

	archiveDir := t.TempDir()
	archive := filepath.Join(archiveDir, "tool-1.0.lpkg")
	buildArchive(t, archive, "bin/tool\t/usr\n", "")

	err = tx.Install(
		[]resolver.Target{{Name: "tool", VersionSpec: "1.0"}},
		map[string]string{"tool": archive},
		nil, false, false,
	)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !ctx.Store.IsInstalled("tool") {
		t.Fatal("expected tool to be installed")
	}
	if _, err := os.Stat(filepath.Join(ctx.TargetRoot, "usr", "bin", "tool")); err != nil {
		t.Fatalf("expected installed file: %v", err)
	}
}

func TestInstallAlreadyInstalledReturnsErrAlreadyInstalled(t *testing.T) {
	ctx := testCtx(t)
	tx, err := Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tx.Close()

	archiveDir := t.TempDir()
	archive := filepath.Join(archiveDir, "tool-1.0.lpkg")
	buildArchive(t, archive, "bin/tool\t/usr\n", "")

	targets := []resolver.Target{{Name: "tool", VersionSpec: "1.0"}}
	archives := map[string]string{"tool": archive}

	if err := tx.Install(targets, archives, nil, false, false); err != nil {
		t.Fatalf("first install: %v", err)
	}

	err = tx.Install(targets, archives, nil, false, false)
	if err != ErrAlreadyInstalled {
		t.Fatalf("expected ErrAlreadyInstalled, got %v", err)
	}
}

func TestInstallRollsBackDependencyChainOnFailure(t *testing.T) {
	ctx := testCtx(t)
	tx, err := Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tx.Close()

	archiveDir := t.TempDir()

	base := filepath.Join(archiveDir, "base-1.0.lpkg")
	buildArchive(t, base, "bin/base\t/usr\n", "")

	topArchive := filepath.Join(archiveDir, "top-1.0.lpkg")
	f, err := os.Create(topArchive)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	tw := tar.NewWriter(zw)
	writeTarEntry(tw, "files.txt", tar.TypeReg, "bin/top\t/usr\n")
	writeTarEntry(tw, "deps.txt", tar.TypeReg, "base\n")
	writeTarEntry(tw, "man.txt", tar.TypeReg, "incomplete on purpose\n")
	tw.Close()
	zw.Close()
	f.Close()

	err = tx.Install(
		[]resolver.Target{{Name: "top", VersionSpec: "1.0"}},
		map[string]string{"base": base, "top": topArchive},
		nil, false, false,
	)
	if err == nil {
		t.Fatal("expected installation failure for the incomplete top package")
	}
	if ctx.Store.IsInstalled("base") {
		t.Fatal("expected base to be rolled back after top failed")
	}
	if ctx.Store.IsInstalled("top") {
		t.Fatal("top must not be registered")
	}
}

func TestRemoveUnregistersPackage(t *testing.T) {
	ctx := testCtx(t)
	tx, err := Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tx.Close()

	archiveDir := t.TempDir()
	archive := filepath.Join(archiveDir, "tool-1.0.lpkg")
	buildArchive(t, archive, "bin/tool\t/usr\n", "")

	if err := tx.Install(
		[]resolver.Target{{Name: "tool", VersionSpec: "1.0"}},
		map[string]string{"tool": archive},
		nil, false, false,
	); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := tx.Remove([]string{"tool"}, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ctx.Store.IsInstalled("tool") {
		t.Fatal("expected tool removed")
	}
}
