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

// Error codes for structured JSON output
const (
	// Validation errors (E001-E099)
	ErrorCodeInvalidYAML     = "E002" // Invalid YAML syntax
	ErrorCodeSchemaViolation = "E003" // Definition constraint violation

	// Execution errors (E100-E199)
	ErrorCodeStepFailed = "E103" // Step execution failed

	// Input errors (E300-E399)
	ErrorCodeMissingInput = "E301" // Required input missing
	ErrorCodeInvalidInput = "E302" // Invalid input format
	ErrorCodeFileNotFound = "E303" // File not found

	// Resource errors (E400-E499)
	ErrorCodeNotFound          = "E401" // Resource not found
	ErrorCodeInternal          = "E402" // Internal error
	ErrorCodeDaemonUnavailable = "E404" // Daemon not reachable
)
