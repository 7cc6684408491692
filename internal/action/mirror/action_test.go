package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/upkeep-run/upkeep/pkg/job"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

func TestExecute_CopiesTree(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "copy")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "beta")
	writeFile(t, filepath.Join(src, "sub", "deep", "c.bin"), "gamma")

	a, _ := New(nil)
	result, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"source": src, "dest": dest},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := readFile(t, filepath.Join(dest, "a.txt")); got != "alpha" {
		t.Errorf("Expected alpha, got %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "sub", "deep", "c.bin")); got != "gamma" {
		t.Errorf("Expected gamma, got %q", got)
	}
	if got := result.Outputs["files"]; got != 3 {
		t.Errorf("Expected 3 files, got %v", got)
	}
	if got := result.Outputs["bytes"]; got != len("alpha")+len("beta")+len("gamma") {
		t.Errorf("Expected byte total, got %v", got)
	}
	if got := result.Outputs["skipped"]; got != 0 {
		t.Errorf("Expected 0 skipped, got %v", got)
	}
}

func TestExecute_Excludes(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "copy")
	writeFile(t, filepath.Join(src, "keep.txt"), "keep")
	writeFile(t, filepath.Join(src, "debug.log"), "log")
	writeFile(t, filepath.Join(src, "build", "out.o"), "obj")

	a, _ := New(nil)
	result, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"source":  src,
			"dest":    dest,
			"exclude": []interface{}{"**/*.log", "build"},
		},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := result.Outputs["files"]; got != 1 {
		t.Errorf("Expected 1 file copied, got %v", got)
	}
	if got := result.Outputs["skipped"]; got != 2 {
		t.Errorf("Expected 2 skipped, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "debug.log")); !os.IsNotExist(err) {
		t.Error("Expected debug.log to be excluded")
	}
	if _, err := os.Stat(filepath.Join(dest, "build")); !os.IsNotExist(err) {
		t.Error("Expected build directory to be excluded")
	}
}

func TestExecute_DeleteDest(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "fresh.txt"), "fresh")
	writeFile(t, filepath.Join(dest, "stale.txt"), "stale")

	// Without delete the destination is merged into.
	a, _ := New(nil)
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"source": src, "dest": dest},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "stale.txt")); err != nil {
		t.Error("Expected stale file to survive without delete")
	}

	_, err = a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"source": src, "dest": dest, "delete": true},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "stale.txt")); !os.IsNotExist(err) {
		t.Error("Expected stale file to be deleted")
	}
	if _, err := os.Stat(filepath.Join(dest, "fresh.txt")); err != nil {
		t.Error("Expected fresh file after delete")
	}
}

func TestExecute_Symlinks(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "copy")
	writeFile(t, filepath.Join(src, "real.txt"), "real")
	if err := os.Symlink("real.txt", filepath.Join(src, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	a, _ := New(nil)
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{"source": src, "dest": dest},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "link.txt"))
	if err != nil {
		t.Fatalf("Expected symlink in dest: %v", err)
	}
	if target != "real.txt" {
		t.Errorf("Expected link target real.txt, got %q", target)
	}
}

func TestExecute_RelativePaths(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "repo", "file.txt"), "data")

	a, _ := New(nil)
	result, err := a.Execute(context.Background(), &job.Invocation{
		Inputs:     map[string]interface{}{"source": "repo", "dest": "repo_copy"},
		WorkingDir: work,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := result.Outputs["files"]; got != 1 {
		t.Errorf("Expected 1 file, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(work, "repo_copy", "file.txt")); err != nil {
		t.Error("Expected copy under the working directory")
	}
}

func TestExecute_DestInsideSource(t *testing.T) {
	src := t.TempDir()

	a, _ := New(nil)
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"source": src,
			"dest":   filepath.Join(src, "copy"),
		},
	})
	if err == nil {
		t.Error("Expected error for dest inside source")
	}
}

func TestExecute_MissingSource(t *testing.T) {
	a, _ := New(nil)
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"source": filepath.Join(t.TempDir(), "nope"),
			"dest":   t.TempDir(),
		},
	})
	if err == nil {
		t.Error("Expected error for missing source")
	}
}

func TestExecute_InvalidPattern(t *testing.T) {
	a, _ := New(nil)
	_, err := a.Execute(context.Background(), &job.Invocation{
		Inputs: map[string]interface{}{
			"source":  t.TempDir(),
			"dest":    filepath.Join(t.TempDir(), "copy"),
			"exclude": []interface{}{"["},
		},
	})
	if err == nil {
		t.Error("Expected error for invalid glob pattern")
	}
}
