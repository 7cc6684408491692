package job

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Environment variables the executor exports to every step.
const (
	// EnvFileVar names the file steps append exports to. Values written
	// there become environment for subsequent steps.
	EnvFileVar = "UPKEEP_ENV"

	// TempDirVar names the per-run scratch directory.
	TempDirVar = "UPKEEP_TEMP"

	// RunIDVar carries the run identifier.
	RunIDVar = "UPKEEP_RUN_ID"

	// JobVar carries the job name.
	JobVar = "UPKEEP_JOB"

	// TriggerVar carries what started the run (schedule, dispatch).
	TriggerVar = "UPKEEP_TRIGGER"
)

// MaxEnvFileSize caps the export file size. A step that writes more than
// this fails rather than silently truncating.
const MaxEnvFileSize = 1 << 20 // 1MB

// LoadEnvironment snapshots the process environment into a map.
func LoadEnvironment() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		pair := strings.SplitN(e, "=", 2)
		if len(pair) == 2 {
			env[pair[0]] = pair[1]
		}
	}
	return env
}

// ParseEnvFile parses step exports. Two forms are accepted, one per entry:
//
//	KEY=value
//	KEY<<DELIMITER
//	...lines...
//	DELIMITER
//
// The heredoc form carries multi-line values; the delimiter line must
// appear exactly. Blank lines between entries are ignored. Entry names
// must be valid environment variable names.
func ParseEnvFile(r io.Reader) (map[string]string, error) {
	exports := make(map[string]string)

	scanner := bufio.NewScanner(io.LimitReader(r, MaxEnvFileSize+1))
	scanner.Buffer(make([]byte, 64*1024), MaxEnvFileSize)

	var size int64
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		size += int64(len(line)) + 1
		if size > MaxEnvFileSize {
			return nil, fmt.Errorf("export file exceeds %d bytes", MaxEnvFileSize)
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		// Heredoc form takes precedence so values may contain '='.
		if name, delim, ok := splitHeredoc(line); ok {
			if !validEnvName(name) {
				return nil, fmt.Errorf("line %d: invalid variable name: %s", lineNo, name)
			}
			startLine := lineNo
			var value []string
			terminated := false
			for scanner.Scan() {
				lineNo++
				body := scanner.Text()
				size += int64(len(body)) + 1
				if size > MaxEnvFileSize {
					return nil, fmt.Errorf("export file exceeds %d bytes", MaxEnvFileSize)
				}
				if body == delim {
					terminated = true
					break
				}
				value = append(value, body)
			}
			if !terminated {
				return nil, fmt.Errorf("line %d: unterminated heredoc for %s", startLine, name)
			}
			exports[name] = strings.Join(value, "\n")
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY=value or KEY<<DELIMITER", lineNo)
		}
		if !validEnvName(name) {
			return nil, fmt.Errorf("line %d: invalid variable name: %s", lineNo, name)
		}
		exports[name] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}

	return exports, nil
}

// ReadEnvFile parses the export file at path. A missing file means the
// step exported nothing.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()
	return ParseEnvFile(f)
}

// splitHeredoc recognizes the "NAME<<DELIMITER" opener.
func splitHeredoc(line string) (name, delim string, ok bool) {
	idx := strings.Index(line, "<<")
	if idx <= 0 {
		return "", "", false
	}
	name = line[:idx]
	delim = line[idx+2:]
	if delim == "" || strings.Contains(name, "=") {
		return "", "", false
	}
	return name, delim, true
}

// validEnvName reports whether name is a valid environment variable name:
// letters, digits and underscores, not starting with a digit.
func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// mergeEnv layers maps left to right; later layers win.
func mergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// flattenEnv renders an environment map as a sorted KEY=value list in the
// form exec.Cmd expects.
func flattenEnv(env map[string]string) []string {
	flat := make([]string, 0, len(env))
	for k, v := range env {
		flat = append(flat, k+"="+v)
	}
	sort.Strings(flat)
	return flat
}
