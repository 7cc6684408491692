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
	"context"
	"encoding/json"
	"fmt"

	"github.com/upkeep-run/upkeep/internal/jq"
)

// ApplyJQ filters a raw JSON API response through a jq expression and
// prints the result to stdout as indented JSON. Used by list/get
// commands when --jq is given.
func ApplyJQ(ctx context.Context, expression string, raw []byte) error {
	executor := jq.NewExecutor(0, 0)

	if err := executor.Validate(expression); err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}

	result, err := executor.ExecuteJSON(ctx, expression, raw)
	if err != nil {
		return fmt.Errorf("jq execution failed: %w", err)
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode jq result: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}
