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

package auth

import "strings"

// MatchesScope reports whether the user's scopes allow dispatching the
// named job.
//
// Rules:
//   - no scopes at all: full access (static API keys have no scopes)
//   - exact match: scope "codebrowser" allows job "codebrowser"
//   - wildcard suffix: scope "docs-*" allows "docs-build", "docs-sync"
func MatchesScope(userScopes []string, jobName string) bool {
	if len(userScopes) == 0 {
		return true
	}
	for _, scope := range userScopes {
		if matchesScopePattern(scope, jobName) {
			return true
		}
	}
	return false
}

func matchesScopePattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
