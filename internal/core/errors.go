/*
 * Copyright 2026 The NDSPipe Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide to retry, evict or give up
// without string matching.
type Kind string

const (
	KindConfig       Kind = "config"
	KindConnect      Kind = "connect"
	KindFileNotFound Kind = "file_not_found"
	KindIO           Kind = "io"
	KindZip          Kind = "zip"
	KindProtocol     Kind = "protocol"
	KindBackend      Kind = "backend"
	KindStore        Kind = "store"
	KindCancelled    Kind = "cancelled"
)

// Error is the error type used across the pipeline. Every error carries the
// NDS server it came from (when there is one) and a severity level, so the
// pool knows whether to evict and the gateway knows what code to answer.
type Error struct {
	Kind     Kind
	ServerID string
	Level    int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	id := ""
	if e.ServerID != "" {
		id = fmt.Sprintf(" nds[%s]", e.ServerID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s(%d)%s: %s: %v", e.Kind, e.Level, id, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%d)%s: %s", e.Kind, e.Level, id, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Kept short because it is called everywhere.
func E(kind Kind, serverID string, level int, msg string, err error) *Error {
	return &Error{Kind: kind, ServerID: serverID, Level: level, Message: msg, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
