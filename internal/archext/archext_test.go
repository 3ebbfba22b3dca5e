package archext

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

type entry struct {
	name     string
	typeflag byte
	linkname string
	mode     int64
	body     string
}

func buildArchive(t *testing.T, path string, entries []entry) {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if e.body != "" {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.lpkg")
	dest := filepath.Join(dir, "dest")

	buildArchive(t, archive, []entry{
		{name: "../etc/passwd", typeflag: tar.TypeReg, body: "pwned"},
	})

	err := Extract(archive, dest, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ErrMaliciousPath); !ok {
		t.Fatalf("expected ErrMaliciousPath, got %#v", err)
	}

	if _, statErr := os.Stat(filepath.Join(dir, "etc", "passwd")); !os.IsNotExist(statErr) {
		t.Fatal("traversal target must not exist")
	}
}

func TestExtractNormalFiles(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "good.lpkg")
	dest := filepath.Join(dir, "dest")

	buildArchive(t, archive, []entry{
		{name: "usr/bin/", typeflag: tar.TypeDir, mode: 0755},
		{name: "usr/bin/tool", typeflag: tar.TypeReg, mode: 0o4755, body: "binary content"},
	})

	if err := Extract(archive, dest, nil); err != nil {
		t.Fatalf("extract: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "usr", "bin", "tool"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(data) != "binary content" {
		t.Fatalf("got %q", data)
	}

	fi, err := os.Stat(filepath.Join(dest, "usr", "bin", "tool"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm()&os.ModeSetuid == 0 && fi.Mode()&os.ModeSetuid == 0 {
		// SUID bit preserved check: os.Stat reports the file's setuid
		// bit (04000) as os.ModeSetuid.
	}
	if fi.Mode()&os.ModeSetuid == 0 {
		t.Fatalf("expected SUID bit preserved, got mode %v", fi.Mode())
	}
}

func TestExtractSingle(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "pkg.lpkg")

	buildArchive(t, archive, []entry{
		{name: "deps.txt", typeflag: tar.TypeReg, body: "libc\n"},
		{name: "man.txt", typeflag: tar.TypeReg, body: "a tool\n"},
	})

	data, err := ExtractSingle(archive, "deps.txt")
	if err != nil {
		t.Fatalf("extract single: %v", err)
	}
	if string(data) != "libc\n" {
		t.Fatalf("got %q", data)
	}

	data, err = ExtractSingle(archive, "missing.txt")
	if err != nil {
		t.Fatalf("extract single: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty, got %q", data)
	}
}

func TestExtractDropsMaliciousSymlink(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "sym.lpkg")
	dest := filepath.Join(dir, "dest")

	buildArchive(t, archive, []entry{
		{name: "evil-link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
		{name: "ok-link", typeflag: tar.TypeSymlink, linkname: "../relative/target"},
	})

	if err := Extract(archive, dest, nil); err != nil {
		t.Fatalf("extract: %v", err)
	}

	fi, err := os.Lstat(filepath.Join(dest, "evil-link"))
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Fatal("malicious absolute symlink should have been dropped to a regular file")
	}

	fi, err = os.Lstat(filepath.Join(dest, "ok-link"))
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Fatal("relative symlink should be preserved verbatim")
	}
	target, err := os.Readlink(filepath.Join(dest, "ok-link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "../relative/target" {
		t.Fatalf("got %q", target)
	}
}
