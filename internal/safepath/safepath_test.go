package safepath

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func evalRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval temp root: %v", err)
	}
	return root
}

func TestResolveExistingFile(t *testing.T) {
	t.Parallel()
	root := evalRoot(t)
	if err := os.WriteFile(filepath.Join(root, "ok.txt"), []byte("ok"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := Resolve(root, "ok.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(root, "ok.txt") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestResolveAllowsMissingParents(t *testing.T) {
	t.Parallel()
	root := evalRoot(t)

	got, err := Resolve(root, filepath.Join("app", "new", "module.py"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(root, "app", "new", "module.py") {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	t.Parallel()
	root := evalRoot(t)

	for _, target := range []string{
		filepath.Join("..", "etc", "passwd"),
		filepath.Join("app", "..", "..", "outside.txt"),
		"/etc/passwd",
		".",
	} {
		if _, err := Resolve(root, target); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("expected ErrOutsideRoot for %q, got %v", target, err)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()
	root := evalRoot(t)
	outside := evalRoot(t)
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	if _, err := Resolve(root, filepath.Join("link", "file.txt")); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot through symlink, got %v", err)
	}
}

func TestResolveAllowsSymlinkInsideRoot(t *testing.T) {
	t.Parallel()
	root := evalRoot(t)
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	got, err := Resolve(root, filepath.Join("alias", "a.go"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(root, "src", "a.go") {
		t.Fatalf("expected symlink resolved into src, got %q", got)
	}
}

func TestResolveRequiresArguments(t *testing.T) {
	t.Parallel()
	if _, err := Resolve("", "a"); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := Resolve(t.TempDir(), " "); err == nil {
		t.Fatalf("expected error for empty target")
	}
}
