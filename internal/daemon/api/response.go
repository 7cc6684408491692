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

package api

import (
	"net/http"

	"github.com/upkeep-run/upkeep/internal/daemon/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	httputil.WriteError(w, status, message)
}

// writeDraining is the uniform response for submissions that arrive
// during graceful shutdown.
func writeDraining(w http.ResponseWriter) {
	httputil.WriteUnavailable(w, 10, "daemon is shutting down gracefully")
}

func readJSON(r *http.Request, dst any) error {
	return httputil.ReadJSON(r, dst)
}
