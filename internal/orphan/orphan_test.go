package orphan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lfs-tools/lpkg/internal/engine"
	"github.com/lfs-tools/lpkg/internal/store"
)

func testCtx(t *testing.T) *engine.Ctx {
	t.Helper()
	ctx, err := engine.New(t.TempDir())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return ctx
}

// installFake seeds a minimal installed-package record: a manifest file
// (needed by remove.Remove), an owned file, and the deps/<name> record
// used by Store.Deps/ReverseDeps.
func installFake(t *testing.T, ctx *engine.Ctx, name string, explicit bool, deps []store.Dep) {
	t.Helper()
	path := "/usr/lib/" + name
	physical := filepath.Join(ctx.TargetRoot, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(physical), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(physical, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx.Store.AddFileOwner(path, name)
	if err := os.WriteFile(filepath.Join(ctx.FilesDir, name+".txt"), []byte(path+"\n"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := ctx.Store.WriteDeps(name, deps); err != nil {
		t.Fatalf("write deps: %v", err)
	}
	ctx.Store.PutPackage(name, "1.0", explicit)
}

func TestFindMarksHeldChainReachable(t *testing.T) {
	ctx := testCtx(t)
	installFake(t, ctx, "leaf", false, nil)
	installFake(t, ctx, "mid", false, []store.Dep{{Name: "leaf"}})
	installFake(t, ctx, "top", true, []store.Dep{{Name: "mid"}})

	orphans, err := Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %v", orphans)
	}
}

func TestFindReportsUnreachablePackage(t *testing.T) {
	ctx := testCtx(t)
	installFake(t, ctx, "top", true, nil)
	installFake(t, ctx, "stray", false, nil)

	orphans, err := Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "stray" {
		t.Fatalf("expected [stray], got %v", orphans)
	}
}

func TestFindTreatsEssentialsAsRoots(t *testing.T) {
	ctx := testCtx(t)
	installFake(t, ctx, "glibc", false, nil)
	if err := os.WriteFile(filepath.Join(ctx.EtcDir, "essential"), []byte("glibc\n"), 0644); err != nil {
		t.Fatalf("write essential: %v", err)
	}

	orphans, err := Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected glibc protected by essentials, got %v", orphans)
	}
}

func TestAutoremoveRecomputesReachabilityPerRemoval(t *testing.T) {
	ctx := testCtx(t)
	installFake(t, ctx, "leaf", false, nil)
	installFake(t, ctx, "mid", false, []store.Dep{{Name: "leaf"}})
	// "top" was explicit, but the caller already removed it directly
	// (simulating a plain `lpkg remove top --force`), leaving mid and
	// leaf both orphaned even though only mid was directly dependent.

	removed, err := Autoremove(ctx)
	if err != nil {
		t.Fatalf("Autoremove: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected both mid and leaf removed in one call, got %v", removed)
	}
	if ctx.Store.IsInstalled("mid") || ctx.Store.IsInstalled("leaf") {
		t.Fatal("expected both packages removed from the store")
	}
}

func TestAutoremoveLeavesHeldChainAlone(t *testing.T) {
	ctx := testCtx(t)
	installFake(t, ctx, "leaf", false, nil)
	installFake(t, ctx, "mid", false, []store.Dep{{Name: "leaf"}})
	installFake(t, ctx, "top", true, []store.Dep{{Name: "mid"}})

	removed, err := Autoremove(ctx)
	if err != nil {
		t.Fatalf("Autoremove: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected nothing removed, got %v", removed)
	}
	if !ctx.Store.IsInstalled("top") || !ctx.Store.IsInstalled("mid") || !ctx.Store.IsInstalled("leaf") {
		t.Fatal("expected the whole held chain to remain installed")
	}
}
