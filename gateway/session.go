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

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrSessionClosed the session no longer accepts outbound frames
var ErrSessionClosed = fmt.Errorf("session closed")

// ErrOutboundQueueFull the session's outbound queue is full
var ErrOutboundQueueFull = fmt.Errorf("outbound queue full")

// StateObserver callback on every session state change
type StateObserver func(sessionID string, state ConnState)

// Session one websocket connection.
//
// Inbound frames are processed one at a time by the reader. Outbound frames pass through
// a bounded FIFO queue drained by a single writer.
type Session struct {
	common.Component
	id       string
	identity common.Identity
	conn     *websocket.Conn
	cfg      common.WebSocketConfig
	protocol Protocol
	observer StateObserver

	lock  sync.Mutex
	state ConnState

	outbound  chan []byte
	ctxt      context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	terminate sync.Once
}

func newSession(
	parent context.Context,
	conn *websocket.Conn,
	cfg common.WebSocketConfig,
	endpoint string,
	observer StateObserver,
) *Session {
	sessionID := uuid.New().String()
	logTags := common.UpdateLogTags(parent, log.Fields{
		"module": "gateway", "component": "session", "endpoint": endpoint, "session": sessionID,
	})
	ctxt, cancel := context.WithCancel(parent)
	return &Session{
		Component: common.Component{LogTags: logTags},
		id:        sessionID,
		conn:      conn,
		cfg:       cfg,
		observer:  observer,
		state:     StateConnecting,
		outbound:  make(chan []byte, cfg.OutboundQueueDepth),
		ctxt:      ctxt,
		cancel:    cancel,
	}
}

// ID unique ID of the session
func (s *Session) ID() string {
	return s.id
}

// Identity the principal owning the session
func (s *Session) Identity() common.Identity {
	return s.identity
}

// Context the session context. It is cancelled once the session starts closing.
func (s *Session) Context() context.Context {
	return s.ctxt
}

// WaitGroup tracks the goroutines owned by the session
func (s *Session) WaitGroup() *sync.WaitGroup {
	return &s.wg
}

// State the current lifecycle state
func (s *Session) State() ConnState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// transition move to a new lifecycle state
func (s *Session) transition(to ConnState) error {
	s.lock.Lock()
	from, err := s.setState(to)
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.notify(from, to)
	return nil
}

// advance move further through the connect flow, unless the session was closed meanwhile
func (s *Session) advance(to ConnState) error {
	s.lock.Lock()
	if s.ctxt.Err() != nil {
		s.lock.Unlock()
		return ErrSessionClosed
	}
	from, err := s.setState(to)
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.notify(from, to)
	return nil
}

// setState caller holds the lock
func (s *Session) setState(to ConnState) (ConnState, error) {
	from := s.state
	if !canTransition(from, to) {
		return from, fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	s.state = to
	return from, nil
}

func (s *Session) notify(from, to ConnState) {
	log.WithFields(s.LogTags).Debugf("%s -> %s", from, to)
	if s.observer != nil {
		s.observer(s.id, to)
	}
}

// Deliver hand a fanned out envelope to the session's protocol. Never blocks.
func (s *Session) Deliver(envelope common.Envelope) error {
	switch s.State() {
	case StateSubscribed, StateOpen:
		return s.protocol.OnEnvelope(s, envelope)
	default:
		return ErrSessionClosed
	}
}

// Send queue a frame for the writer. Never blocks.
func (s *Session) Send(frame interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "serializing outbound frame")
	}
	if s.ctxt.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		log.WithFields(s.LogTags).Warn("Outbound queue full, dropping frame")
		return ErrOutboundQueueFull
	}
}

// SendError report a steady-state error to the client
func (s *Session) SendError(kind common.ErrorKind, message string) {
	if err := s.Send(common.NewErrorResponse(kind, message)); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to send error '%s'", message)
	}
}

// reject close a session that never reached OPEN
func (s *Session) reject(code int, reason string) {
	log.WithFields(s.LogTags).Infof("Rejecting connection with %d: %s", code, reason)
	s.terminate.Do(func() {
		s.cancel()
		s.writeClose(code, reason)
		_ = s.conn.Close()
	})
	if err := s.transition(StateClosed); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Reject failed")
	}
}

// Close start closing the session. Safe to call from any goroutine, any number of times.
//
// An OPEN session moves to CLOSING. A session still connecting stays where it is, and
// the connect flow takes it to CLOSED.
func (s *Session) Close(code int, reason string) {
	s.terminate.Do(func() {
		s.lock.Lock()
		from, err := s.setState(StateClosing)
		s.cancel()
		s.lock.Unlock()
		if err == nil {
			s.notify(from, StateClosing)
		} else {
			log.WithFields(s.LogTags).Debugf("Closed while %s", from)
		}
		s.writeClose(code, reason)
		_ = s.conn.Close()
	})
}

// writeClose best-effort close handshake
func (s *Session) writeClose(code int, reason string) {
	deadline := time.Now().Add(time.Second * time.Duration(s.cfg.WriteTimeout))
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Failed to send close frame")
	}
}

// runWriter drain the outbound queue until the session context ends
func (s *Session) runWriter() {
	defer log.WithFields(s.LogTags).Debug("Writer exiting")
	pingTicker := time.NewTicker(time.Second * time.Duration(s.cfg.PingInterval))
	defer pingTicker.Stop()
	writeTimeout := time.Second * time.Duration(s.cfg.WriteTimeout)
	for {
		select {
		case <-s.ctxt.Done():
			// No-op if the session is already closing
			s.Close(websocket.CloseGoingAway, "server shutting down")
			return
		case payload := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Write failed")
				s.Close(CloseInternalError, "write failure")
				return
			}
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Ping failed")
				s.Close(CloseInternalError, "ping failure")
				return
			}
		}
	}
}

// runReader process inbound frames one at a time until the connection fails
func (s *Session) runReader() {
	pongTimeout := time.Second * time.Duration(s.cfg.PongTimeout)
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		msgType, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived,
			) || s.ctxt.Err() != nil {
				log.WithFields(s.LogTags).Debug("Connection closed")
			} else {
				log.WithError(err).WithFields(s.LogTags).Info("Read failed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if msgType != websocket.TextMessage {
			s.SendError(common.KindMalformed, "Only text frames are supported")
			continue
		}
		msg, err := common.ParseInbound(frame)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Malformed inbound message")
			message := "Invalid JSON"
			var parseErr *common.Error
			if errors.Is(err, common.ErrMalformed) && errors.As(err, &parseErr) {
				message = parseErr.Message
			}
			s.SendError(common.KindMalformed, message)
			continue
		}
		s.protocol.OnMessage(s.ctxt, s, msg)
	}
}
