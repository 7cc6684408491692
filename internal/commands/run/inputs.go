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

package run

import (
	"fmt"

	"github.com/upkeep-run/upkeep/pkg/job"
)

// resolveInputs validates the provided inputs against the job's dispatch
// declaration and applies defaults. Local runs resolve eagerly so a bad
// input fails before any step executes.
func resolveInputs(def *job.Definition, inputs map[string]interface{}) (map[string]interface{}, error) {
	if def.On.Dispatch == nil {
		if len(inputs) > 0 {
			return nil, fmt.Errorf("job %q declares no dispatch inputs", def.Name)
		}
		return nil, nil
	}
	return def.On.Dispatch.ResolveInputs(inputs)
}
