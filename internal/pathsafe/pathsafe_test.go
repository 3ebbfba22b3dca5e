package pathsafe

import (
	"path/filepath"
	"testing"
)

func TestValidateRejectsAbsolute(t *testing.T) {
	_, err := Validate("/etc/passwd", "/tmp/root")
	if err == nil {
		t.Fatal("expected error for absolute path")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindAbsolute {
		t.Fatalf("expected KindAbsolute, got %#v", err)
	}
}

func TestValidateRejectsTraversal(t *testing.T) {
	cases := []string{
		"../etc/passwd",
		"a/../../etc/passwd",
		"a/b/../../../etc/passwd",
	}
	for _, c := range cases {
		_, err := Validate(c, "/tmp/root")
		if err == nil {
			t.Fatalf("expected traversal error for %q", c)
		}
		perr, ok := err.(*Error)
		if !ok || perr.Kind != KindTraversal {
			t.Fatalf("expected KindTraversal for %q, got %#v", c, err)
		}
	}
}

func TestValidateAcceptsNormalPaths(t *testing.T) {
	got, err := Validate("usr/bin/ls", "/tmp/root")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/tmp/root", "usr/bin/ls")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestValidateCollapsesDotSegments(t *testing.T) {
	got, err := Validate("./usr/./bin//ls", "/tmp/root")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/tmp/root", "usr/bin/ls")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLogicalPath(t *testing.T) {
	if got := LogicalPath("/usr", "bin/ls"); got != "/usr/bin/ls" {
		t.Fatalf("got %q", got)
	}
	if got := LogicalPath("", "etc/my.conf"); got != "/etc/my.conf" {
		t.Fatalf("got %q", got)
	}
}

func TestReroot(t *testing.T) {
	got, err := Reroot("/usr/bin/ls", "/tmp/root")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/tmp/root", "usr/bin/ls")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	if _, err := Reroot("/../etc/passwd", "/tmp/root"); err == nil {
		t.Fatal("expected traversal rejection")
	}
}
