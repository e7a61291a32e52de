package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveEmpty(t *testing.T) {
	root, err := Resolve("", "")
	if err != nil || root != "" {
		t.Fatalf("Resolve(\"\") = %q, %v", root, err)
	}
}

func TestResolveNonexistentRoot(t *testing.T) {
	croot := filepath.Join(t.TempDir(), "nothing", BestValidation)
	_, err := Resolve(croot, "")
	if !errors.Is(err, ErrBadCheckpointRoot) {
		t.Fatalf("expected ErrBadCheckpointRoot, got %v", err)
	}
}

func TestResolveValidRoot(t *testing.T) {
	dir := t.TempDir()
	croot := filepath.Join(dir, BestValidation)
	if err := os.WriteFile(Path(croot), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	root, err := Resolve(croot, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root != croot {
		t.Fatalf("root = %q, want %q", root, croot)
	}
}

func TestResolveKast(t *testing.T) {
	res := t.TempDir()
	if _, err := Resolve(Kast, res); !errors.Is(err, ErrMissingResourceDir) {
		t.Fatalf("expected ErrMissingResourceDir, got %v", err)
	}

	dir := filepath.Join(res, "checkpoints", "kast_original")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	root, err := Resolve(Kast, res)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if root != filepath.Join(dir, BestValidation) {
		t.Fatalf("unexpected root %q", root)
	}
}

func TestKastArchPath(t *testing.T) {
	t.Setenv(DataEnv, "")
	if _, err := KastArchPath(); !errors.Is(err, ErrDataEnvUnset) {
		t.Fatalf("expected ErrDataEnvUnset, got %v", err)
	}

	t.Setenv(DataEnv, "/data/spit")
	p, err := KastArchPath()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(p, filepath.Join("Kast", "checkpoints", "final")+string(filepath.Separator)) {
		t.Fatalf("unexpected arch path %q", p)
	}

	q, err := KastArchPathIn("/other")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(q, "/other") || q == p {
		t.Fatalf("explicit data root ignored: %q", q)
	}
	if _, err := KastArchPathIn(""); !errors.Is(err, ErrDataEnvUnset) {
		t.Fatalf("expected ErrDataEnvUnset, got %v", err)
	}
}

func TestCreateThenOpen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run1", BestValidation)
	f, err := Create(root)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	if _, err := Resolve(root, ""); err != nil {
		t.Fatalf("Resolve after Create: %v", err)
	}
	g, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g.Close()
}
