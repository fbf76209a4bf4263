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

package gateway

import "fmt"

// ConnState lifecycle state of a connection
type ConnState int

// Connection lifecycle
const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateSubscribed
	StateOpen
	StateClosing
	StateClosed
)

// String toString function
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// allowedTransitions failure before OPEN goes straight to CLOSED
var allowedTransitions = map[ConnState][]ConnState{
	StateConnecting:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateSubscribed, StateClosed},
	StateSubscribed:    {StateOpen, StateClosed},
	StateOpen:          {StateClosing},
	StateClosing:       {StateClosed},
}

// canTransition whether a connection may move between the two states
func canTransition(from, to ConnState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WebSocket close codes
const (
	// CloseInternalError the connect flow failed for an internal reason
	CloseInternalError = 4000
	// CloseUnauthenticated no valid credential was presented
	CloseUnauthenticated = 4001
	// CloseForbidden the path refers to a different user
	CloseForbidden = 4003
)
