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

package errors

import (
	"testing"
)

func TestWrap(t *testing.T) {
	base := New("base error")

	wrapped := Wrap(base, "loading job")
	if wrapped == nil {
		t.Fatal("Wrap returned nil for non-nil error")
	}
	if wrapped.Error() != "loading job: base error" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if !Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
}

func TestWrapf(t *testing.T) {
	base := New("no such file")
	wrapped := Wrapf(base, "loading job %s", "codebrowser.yaml")
	want := "loading job codebrowser.yaml: no such file"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestAs(t *testing.T) {
	inner := &NotFoundError{Resource: "job", ID: "codebrowser"}
	wrapped := Wrap(inner, "dispatching")

	var notFound *NotFoundError
	if !As(wrapped, &notFound) {
		t.Fatal("As failed to find NotFoundError in wrapped chain")
	}
	if notFound.ID != "codebrowser" {
		t.Errorf("unexpected ID: %q", notFound.ID)
	}
}

func TestUnwrap(t *testing.T) {
	base := New("base")
	wrapped := Wrap(base, "ctx")
	if Unwrap(wrapped) != base {
		t.Error("Unwrap did not return the base error")
	}
}

func TestIsNotFound(t *testing.T) {
	nf := &NotFoundError{Resource: "run", ID: "abc123"}
	if !IsNotFound(nf) {
		t.Error("IsNotFound should match a bare NotFoundError")
	}
	if !IsNotFound(Wrap(nf, "looking up run")) {
		t.Error("IsNotFound should match a wrapped NotFoundError")
	}
	if IsNotFound(New("something else")) {
		t.Error("IsNotFound should not match unrelated errors")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) should be false")
	}
}

func TestIsValidation(t *testing.T) {
	ve := &ValidationError{Field: "schedule.cron", Message: "bad expression"}
	if !IsValidation(Wrapf(ve, "loading %s", "mirror.yaml")) {
		t.Error("IsValidation should match a wrapped ValidationError")
	}
	if IsValidation(&NotFoundError{Resource: "job", ID: "x"}) {
		t.Error("IsValidation should not match NotFoundError")
	}
}
