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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	maxJobFiles    = 100
	maxSearchDepth = 2
)

// jobFile is a discovered job definition file.
type jobFile struct {
	path    string
	modTime int64
}

// CompleteJobFiles completes local job definition paths for 'run' and
// 'validate'. It searches the working directory up to two levels deep
// and keeps only YAML files with a top-level 'name' key, newest first.
func CompleteJobFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		files, err := discoverJobFiles(".", maxSearchDepth)
		if err != nil || len(files) == 0 {
			return nil, cobra.ShellCompDirectiveDefault
		}

		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime > files[j].modTime
		})
		if len(files) > maxJobFiles {
			files = files[:maxJobFiles]
		}

		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.path)
		}
		return paths, cobra.ShellCompDirectiveDefault
	})
}

func discoverJobFiles(root string, maxDepth int) ([]jobFile, error) {
	var files []jobFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip directories we can't read
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		depth := strings.Count(relPath, string(filepath.Separator))
		if depth > maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		// Skip hidden directories
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") && path != root {
			return fs.SkipDir
		}

		if d.IsDir() || (!strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml")) {
			return nil
		}

		if !isRegularFile(path) || !isJobFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, jobFile{path: path, modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// isRegularFile rejects symlinks so completion never follows a link
// out of the working tree.
func isRegularFile(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink == 0
}

// isJobFile checks for a top-level 'name' key, which every job
// definition has. Unparseable files are skipped silently.
func isJobFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false
	}

	_, hasName := doc["name"]
	return hasName
}
