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

package shared

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/upkeep-run/upkeep/pkg/job"
)

// ParseJobInputs merges --input key=value arguments over inputs loaded
// from --input-file. Flag values are converted to each input's declared
// type; keys the job does not declare stay raw strings so resolution can
// reject them with a useful message.
func ParseJobInputs(def *job.Definition, inputArgs []string, inputFile string) (map[string]interface{}, error) {
	var inputs map[string]interface{}
	if inputFile != "" {
		var err error
		inputs, err = LoadInputFile(inputFile)
		if err != nil {
			return nil, err
		}
	} else {
		inputs = make(map[string]interface{})
	}

	for _, arg := range inputArgs {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid input format %q (expected key=value)", arg)
		}
		key, raw := parts[0], parts[1]

		if dispatch := def.On.Dispatch; dispatch != nil {
			if decl, ok := dispatch.Inputs[key]; ok {
				value, err := decl.ParseInput(raw)
				if err != nil {
					return nil, fmt.Errorf("input %s: %w", key, err)
				}
				inputs[key] = value
				continue
			}
		}
		inputs[key] = raw
	}

	return inputs, nil
}

// LoadInputFile loads inputs from a JSON file or stdin
func LoadInputFile(path string) (map[string]interface{}, error) {
	var data []byte
	var err error

	if path == "-" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
		}
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]interface{}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}

	return inputs, nil
}

// PrintJobInputs displays the job's dispatch inputs in a user-friendly format.
func PrintJobInputs(w io.Writer, def *job.Definition) {
	if def.On.Dispatch == nil || len(def.On.Dispatch.Inputs) == 0 {
		fmt.Fprintln(w, "This job has no dispatch inputs.")
		return
	}

	names := make([]string, 0, len(def.On.Dispatch.Inputs))
	for name := range def.On.Dispatch.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "Job Inputs:")
	fmt.Fprintln(w)
	for _, name := range names {
		input := def.On.Dispatch.Inputs[name]

		required := "optional"
		if input.Required && input.Default == nil {
			required = "required"
		}

		fmt.Fprintf(w, "  %s (%s, %s)\n", name, input.InputType(), required)
		if input.Description != "" {
			fmt.Fprintf(w, "    %s\n", input.Description)
		}
		if input.Default != nil {
			fmt.Fprintf(w, "    Default: %v\n", input.Default)
		}
		fmt.Fprintln(w)
	}
}
