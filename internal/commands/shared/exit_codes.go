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
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/upkeep-run/upkeep/pkg/errors"
)

// Exit codes for upkeep commands.
const (
	ExitSuccess           = 0
	ExitRunFailed         = 1
	ExitInvalidJob        = 2
	ExitMissingInput      = 3
	ExitDaemonUnavailable = 4
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError creates an error for job execution failures.
func NewRunFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitRunFailed, Message: msg, Cause: cause}
}

// NewInvalidJobError creates an error for unloadable job files.
func NewInvalidJobError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidJob, Message: msg, Cause: cause}
}

// NewMissingInputError creates an error for missing required inputs.
func NewMissingInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitMissingInput, Message: msg, Cause: cause}
}

// NewDaemonUnavailableError creates an error for unreachable daemons.
func NewDaemonUnavailableError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitDaemonUnavailable, Message: msg, Cause: cause}
}

// HandleExitError prints the error and exits with its code. Errors that
// are not ExitErrors exit with ExitRunFailed.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, "Error:", msg)
		}
		printUserVisibleSuggestion(err)
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printUserVisibleSuggestion(err)
	os.Exit(ExitRunFailed)
}

// printUserVisibleSuggestion walks the error chain and prints the
// suggestion of the first UserVisibleError found.
func printUserVisibleSuggestion(err error) {
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
