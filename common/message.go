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
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind the type of content carried by an Envelope
type EventKind string

const (
	// EventNotification a persisted notification record
	EventNotification EventKind = "notification"
	// EventAnnouncement an ephemeral broadcast which is not persisted
	EventAnnouncement EventKind = "announcement"
)

// Envelope is the unit of fan-out: a payload published to a topic
type Envelope struct {
	Topic       Topic           `json:"topic" validate:"required"`
	Kind        EventKind       `json:"kind" validate:"required,oneof=notification announcement"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	PublishedAt time.Time       `json:"published_at"`
}

// String toString function
func (e Envelope) String() string {
	return fmt.Sprintf("%s@%s[%dB]", e.Kind, e.Topic, len(e.Payload))
}

// ============================================================================
// Outbound wire messages

// Outbound message type values
const (
	MsgTypeNotification       = "notification"
	MsgTypeNotificationMarked = "notification_marked_read"
	MsgTypeDashboardUpdate    = "dashboard_update"
	MsgTypeHeartbeatResponse  = "heartbeat_response"
	MsgTypeError              = "error"
)

// NotificationPush server pushed notification
type NotificationPush struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification"`
}

// MarkReadResponse result of a mark_read request
type MarkReadResponse struct {
	Type           string `json:"type"`
	NotificationID int64  `json:"notification_id"`
	Success        bool   `json:"success"`
}

// DashboardUpdate carries a dashboard snapshot
type DashboardUpdate struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HeartbeatResponse reply to a heartbeat
type HeartbeatResponse struct {
	Type string `json:"type"`
}

// ErrorResponse steady-state error report
type ErrorResponse struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewErrorResponse define an error message for the given failure
func NewErrorResponse(kind ErrorKind, message string) ErrorResponse {
	return ErrorResponse{Type: MsgTypeError, Code: string(kind), Message: message}
}

// ============================================================================
// Inbound wire messages

// Inbound message type values
const (
	MsgTypeMarkRead      = "mark_read"
	MsgTypeRequestUpdate = "request_update"
	MsgTypeHeartbeat     = "heartbeat"
)

// InboundMessage is one of MarkReadRequest, RequestUpdate, Heartbeat, UnknownMessage
type InboundMessage interface {
	MessageType() string
}

// MarkReadRequest ask to mark a notification as read
type MarkReadRequest struct {
	NotificationID int64
}

// MessageType the wire type
func (MarkReadRequest) MessageType() string { return MsgTypeMarkRead }

// RequestUpdate ask for a fresh dashboard snapshot
type RequestUpdate struct{}

// MessageType the wire type
func (RequestUpdate) MessageType() string { return MsgTypeRequestUpdate }

// Heartbeat client liveness probe
type Heartbeat struct{}

// MessageType the wire type
func (Heartbeat) MessageType() string { return MsgTypeHeartbeat }

// UnknownMessage a well formed message of a type this server does not know
type UnknownMessage struct {
	Type string
}

// MessageType the wire type
func (m UnknownMessage) MessageType() string { return m.Type }

// ErrInvalidNotificationID mark_read without a positive integer notification_id
var ErrInvalidNotificationID = NewError(KindMalformed, "Invalid notification_id", nil)

type rawInbound struct {
	Type           string          `json:"type"`
	NotificationID json.RawMessage `json:"notification_id"`
}

// ParseInbound decode one inbound frame
func ParseInbound(frame []byte) (InboundMessage, error) {
	var raw rawInbound
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, NewError(KindMalformed, "Invalid JSON", err)
	}
	switch raw.Type {
	case MsgTypeMarkRead:
		id, err := parseNotificationID(raw.NotificationID)
		if err != nil {
			return nil, err
		}
		return MarkReadRequest{NotificationID: id}, nil
	case MsgTypeRequestUpdate:
		return RequestUpdate{}, nil
	case MsgTypeHeartbeat:
		return Heartbeat{}, nil
	default:
		return UnknownMessage{Type: raw.Type}, nil
	}
}

// parseNotificationID accept only JSON integers > 0
func parseNotificationID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, ErrInvalidNotificationID
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return 0, ErrInvalidNotificationID
	}
	number, ok := value.(json.Number)
	if !ok {
		return 0, ErrInvalidNotificationID
	}
	id, err := number.Int64()
	if err != nil || id <= 0 {
		return 0, ErrInvalidNotificationID
	}
	return id, nil
}
