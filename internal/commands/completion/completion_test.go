// Copyright 2025 The Upkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package completion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/client"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()

	if !strings.HasPrefix(cmd.Use, "completion") {
		t.Errorf("expected Use to start with 'completion', got %s", cmd.Use)
	}

	want := []string{"bash", "zsh", "fish", "powershell"}
	if len(cmd.ValidArgs) != len(want) {
		t.Fatalf("expected %d valid args, got %d", len(want), len(cmd.ValidArgs))
	}

	if err := cmd.Args(cmd, []string{"bash"}); err != nil {
		t.Errorf("expected bash to be accepted: %v", err)
	}
	if err := cmd.Args(cmd, []string{"elvish"}); err == nil {
		t.Error("expected unsupported shell to be rejected")
	}
	if err := cmd.Args(cmd, nil); err == nil {
		t.Error("expected missing shell to be rejected")
	}
}

func TestIsActive(t *testing.T) {
	active := []string{"queued", "pending", "running"}
	for _, status := range active {
		if !isActive(status) {
			t.Errorf("expected %s to be active", status)
		}
	}

	finished := []string{"completed", "failed", "cancelled", "superseded"}
	for _, status := range finished {
		if isActive(status) {
			t.Errorf("expected %s to be inactive", status)
		}
	}
}

func TestRunCompletions(t *testing.T) {
	runs := []client.Run{
		{ID: "run-1", Job: "codebrowser", Status: "running"},
		{ID: "run-2", Job: "codebrowser", Status: "completed"},
		{ID: "run-3", Job: "cleanup", Status: "queued"},
	}

	all := runCompletions(runs, false)
	if len(all) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(all))
	}
	if all[0] != "run-1\tcodebrowser (running)" {
		t.Errorf("unexpected completion format: %q", all[0])
	}

	active := runCompletions(runs, true)
	if len(active) != 2 {
		t.Fatalf("expected 2 active completions, got %d", len(active))
	}
	for _, c := range active {
		if strings.Contains(c, "run-2") {
			t.Errorf("completed run offered as cancellable: %q", c)
		}
	}
}

func TestCompleteRunStatus(t *testing.T) {
	completions, directive := CompleteRunStatus(nil, nil, "")

	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected NoFileComp directive, got %v", directive)
	}

	joined := strings.Join(completions, "\n")
	for _, status := range []string{"queued", "pending", "running", "completed", "failed", "cancelled", "superseded"} {
		if !strings.Contains(joined, status) {
			t.Errorf("expected status %s in completions", status)
		}
	}
}

func TestCompleteTemplates(t *testing.T) {
	completions, directive := CompleteTemplates(nil, nil, "")

	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected NoFileComp directive, got %v", directive)
	}

	joined := strings.Join(completions, "\n")
	for _, name := range []string{"blank", "checkout-build", "docker-cleanup"} {
		if !strings.Contains(joined, name) {
			t.Errorf("expected template %s in completions", name)
		}
	}
}

func TestDiscoverJobFiles(t *testing.T) {
	dir := t.TempDir()

	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("codebrowser.yaml", "name: codebrowser\nsteps: []\n")
	write("nested/cleanup.yml", "name: cleanup\n")
	write("notes.yaml", "just: notes\n")
	write("readme.txt", "name: not-yaml\n")
	write(".hidden/secret.yaml", "name: hidden\n")
	write("a/b/c/deep.yaml", "name: deep\n")

	files, err := discoverJobFiles(dir, maxSearchDepth)
	if err != nil {
		t.Fatalf("discoverJobFiles failed: %v", err)
	}

	found := make(map[string]bool)
	for _, f := range files {
		found[filepath.Base(f.path)] = true
	}

	for _, want := range []string{"codebrowser.yaml", "cleanup.yml"} {
		if !found[want] {
			t.Errorf("expected %s to be discovered, got %v", want, found)
		}
	}
	for _, skip := range []string{"notes.yaml", "readme.txt", "secret.yaml", "deep.yaml"} {
		if found[skip] {
			t.Errorf("expected %s to be skipped", skip)
		}
	}
}

func TestIsJobFile(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("name: ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !isJobFile(valid) {
		t.Error("expected file with name key to be a job file")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if isJobFile(invalid) {
		t.Error("expected unparseable file to be rejected")
	}
}

func TestSafeWrapperRecoversPanic(t *testing.T) {
	results, directive := safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		panic("completion bug")
	})

	if len(results) != 0 {
		t.Errorf("expected empty results after panic, got %v", results)
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected NoFileComp after panic, got %v", directive)
	}
}

func TestSafeWrapperNormalizesNil(t *testing.T) {
	results, _ := safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveDefault
	})
	if results == nil {
		t.Error("expected nil results to be normalized to empty slice")
	}
}

func TestTTLCache(t *testing.T) {
	var cache ttlCache[int]
	calls := 0

	fetch := func() (int, error) {
		calls++
		return calls, nil
	}

	first, err := cache.get(fetch)
	if err != nil || first != 1 {
		t.Fatalf("expected first fetch to return 1, got %d (%v)", first, err)
	}

	// Within the TTL the cached value is served.
	second, err := cache.get(fetch)
	if err != nil || second != 1 {
		t.Errorf("expected cached value 1, got %d (%v)", second, err)
	}
	if calls != 1 {
		t.Errorf("expected a single fetch, got %d", calls)
	}
}

func TestTTLCacheDoesNotCacheErrors(t *testing.T) {
	var cache ttlCache[int]
	calls := 0

	_, err := cache.get(func() (int, error) {
		calls++
		return 0, fmt.Errorf("daemon down")
	})
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	value, err := cache.get(func() (int, error) {
		calls++
		return 7, nil
	})
	if err != nil || value != 7 {
		t.Errorf("expected retry after error, got %d (%v)", value, err)
	}
	if calls != 2 {
		t.Errorf("expected two fetches, got %d", calls)
	}
}
