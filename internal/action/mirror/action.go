// Package mirror copies a source tree into a destination, the
// runner-native form of the cp -r step CI jobs use to stage a copy of
// the checked-out repository.
package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// DefaultWorkers is the file copy concurrency when the step does not
// set one.
const DefaultWorkers = 4

// Config holds settings for the mirror action.
type Config struct {
	// Workers is the default copy concurrency (default 4).
	Workers int
}

// Action copies directory trees. Directories are created as the walk
// finds them; file copies fan out over a bounded worker group; symlinks
// are recreated as links; other specials are skipped.
type Action struct {
	config *Config
}

// New creates a mirror action.
func New(config *Config) (*Action, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	return &Action{config: config}, nil
}

// Name returns the action identifier.
func (a *Action) Name() string {
	return "mirror"
}

// Execute copies source into dest. The first copy failure aborts the
// whole step.
func (a *Action) Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	source, err := pathInput(inv, "source")
	if err != nil {
		return nil, err
	}
	dest, err := pathInput(inv, "dest")
	if err != nil {
		return nil, err
	}

	excludes, err := excludePatterns(inv.Inputs["exclude"])
	if err != nil {
		return nil, err
	}

	workers := a.config.Workers
	if v, ok := intInput(inv.Inputs["workers"]); ok && v > 0 {
		workers = v
	}
	del, _ := inv.Inputs["delete"].(bool)

	srcInfo, err := os.Stat(source)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "source",
			Message:    fmt.Sprintf("cannot read source %s: %v", source, err),
			Suggestion: "Check that the source directory exists",
		}
	}
	if !srcInfo.IsDir() {
		return nil, &errors.ValidationError{
			Field:      "source",
			Message:    fmt.Sprintf("source %s is not a directory", source),
			Suggestion: "Point source at the directory to copy",
		}
	}

	if inside(source, dest) {
		return nil, &errors.ValidationError{
			Field:      "dest",
			Message:    fmt.Sprintf("dest %s is inside source %s", dest, source),
			Suggestion: "Choose a destination outside the source tree",
		}
	}

	if del {
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("failed to delete dest: %w", err)
		}
	}
	if err := os.MkdirAll(dest, srcInfo.Mode().Perm()|0o700); err != nil {
		return nil, fmt.Errorf("failed to create dest: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var fileCount, byteCount atomic.Int64
	skipped := 0

	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		target := filepath.Join(dest, rel)

		excluded := false
		for _, pattern := range excludes {
			if match, _ := doublestar.Match(pattern, relSlash); match {
				excluded = true
				break
			}
		}

		switch {
		case d.IsDir():
			if excluded {
				skipped++
				return fs.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)

		case excluded:
			skipped++
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)

		case !d.Type().IsRegular():
			skipped++
			fmt.Fprintf(logWriter(inv), "mirror: skipping %s (%s)\n", relSlash, d.Type())
			return nil

		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			perm := info.Mode().Perm()
			g.Go(func() error {
				n, err := copyFile(path, target, perm)
				if err != nil {
					return fmt.Errorf("copy %s: %w", relSlash, err)
				}
				fileCount.Add(1)
				byteCount.Add(n)
				return nil
			})
			return nil
		}
	})

	copyErr := g.Wait()
	if copyErr != nil {
		return nil, copyErr
	}
	if walkErr != nil {
		return nil, walkErr
	}

	return &job.ActionResult{
		Outputs: map[string]interface{}{
			"files":   int(fileCount.Load()),
			"bytes":   int(byteCount.Load()),
			"skipped": skipped,
		},
	}, nil
}

// copyFile copies src to dst preserving permissions, returning the
// bytes written.
func copyFile(src, dst string, perm fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// inside reports whether path is source itself or a descendant of it.
func inside(source, path string) bool {
	rel, err := filepath.Rel(source, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// pathInput reads a required path input, resolving relative paths
// against the invocation working directory.
func pathInput(inv *job.Invocation, field string) (string, error) {
	v, ok := inv.Inputs[field].(string)
	if !ok || v == "" {
		return "", &errors.ValidationError{
			Field:      field,
			Message:    field + " must be a non-empty string",
			Suggestion: "Provide a path relative to the workspace or an absolute path",
		}
	}
	if !filepath.IsAbs(v) && inv.WorkingDir != "" {
		v = filepath.Join(inv.WorkingDir, v)
	}
	return filepath.Clean(v), nil
}

// excludePatterns normalizes the exclude input and validates each
// pattern.
func excludePatterns(raw interface{}) ([]string, error) {
	var patterns []string
	switch v := raw.(type) {
	case nil:
	case string:
		patterns = []string{v}
	case []string:
		patterns = v
	case []interface{}:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("exclude[%d]", i),
					Message: "exclude patterns must be strings",
				}
			}
			patterns = append(patterns, s)
		}
	default:
		return nil, &errors.ValidationError{
			Field:      "exclude",
			Message:    "exclude must be a list of glob patterns",
			Suggestion: "Example: exclude: [\"**/*.o\", \".git\"]",
		}
	}

	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, &errors.ValidationError{
				Field:      "exclude",
				Message:    fmt.Sprintf("invalid glob pattern %q", p),
				Suggestion: "Patterns use doublestar syntax, e.g. **/*.log",
			}
		}
	}
	return patterns, nil
}

func intInput(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func logWriter(inv *job.Invocation) io.Writer {
	if inv.Log != nil {
		return inv.Log
	}
	return io.Discard
}
