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
	"os"

	"github.com/AlecAivazis/survey/v2"

	"github.com/upkeep-run/upkeep/internal/cli/format"
)

// IsNonInteractive detects if the current execution context is
// non-interactive. Checked in priority order:
//
//  1. UPKEEP_NON_INTERACTIVE=true environment variable
//  2. CI environment detection (CI, GITHUB_ACTIONS, GITLAB_CI,
//     CIRCLECI, JENKINS_HOME)
//  3. stdin is not a TTY
func IsNonInteractive() bool {
	if os.Getenv("UPKEEP_NON_INTERACTIVE") == "true" {
		return true
	}

	if isCIEnvironment() {
		return true
	}

	return !format.IsTerminal(os.Stdin)
}

// Confirm asks the user a yes/no question, defaulting to no. Returns
// false without prompting in non-interactive contexts.
func Confirm(question string) (bool, error) {
	if IsNonInteractive() {
		return false, nil
	}

	confirmed := false
	prompt := &survey.Confirm{
		Message: question,
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirmed); err != nil {
		return false, err
	}
	return confirmed, nil
}

// isCIEnvironment checks for common CI environment variables.
func isCIEnvironment() bool {
	ciVars := []string{
		"CI",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"JENKINS_HOME",
	}

	for _, envVar := range ciVars {
		value := os.Getenv(envVar)
		if value == "true" || value == "1" {
			return true
		}
		// JENKINS_HOME is set to a path, just check if it exists
		if envVar == "JENKINS_HOME" && value != "" {
			return true
		}
	}

	return false
}
