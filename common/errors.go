// Copyright 2022 The lmsnotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind categorizes gateway errors
type ErrorKind string

const (
	// KindUnauthenticated no or invalid credential
	KindUnauthenticated ErrorKind = "unauthenticated"
	// KindForbidden ownership mismatch on a path scoped resource
	KindForbidden ErrorKind = "forbidden"
	// KindNotFound record does not exist or is not owned by the caller
	KindNotFound ErrorKind = "not_found"
	// KindTransient external store timeout or unavailability
	KindTransient ErrorKind = "transient"
	// KindMalformed unparsable inbound message
	KindMalformed ErrorKind = "malformed"
	// KindRegistryUnavailable group membership registry is not running
	KindRegistryUnavailable ErrorKind = "registry_unavailable"
)

// Error is a categorized gateway error
type Error struct {
	// Kind is the error category
	Kind ErrorKind
	// Message is a human readable message
	Message string
	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is two gateway errors match when they are of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for use with errors.Is
var (
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "resource owned by another user"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "record not found"}
	ErrTransient           = &Error{Kind: KindTransient, Message: "temporarily unavailable"}
	ErrMalformed           = &Error{Kind: KindMalformed, Message: "malformed message"}
	ErrRegistryUnavailable = &Error{Kind: KindRegistryUnavailable, Message: "registry unavailable"}
)

// NewError define a new categorized error wrapping a cause
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// IsTransient whether the error should be degraded instead of failing the connection
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone)
}
