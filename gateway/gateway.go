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
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Protocol the per-connection message handling of one endpoint
type Protocol interface {
	/*
		OnOpen called once the session is OPEN, before any inbound frame is read

		 @param ctx context.Context - the session context
		 @param session *Session - the session
		 @return an error closes the session with CloseInternalError
	*/
	OnOpen(ctx context.Context, session *Session) error
	// OnMessage handle one parsed inbound message. Called from the reader goroutine.
	OnMessage(ctx context.Context, session *Session, msg common.InboundMessage)
	// OnEnvelope handle a fanned out envelope. Must not block.
	OnEnvelope(session *Session, envelope common.Envelope) error
	// OnClose called once after the session left all its topics
	OnClose(session *Session)
}

// Endpoint a websocket end-point type
type Endpoint interface {
	// Name of the end-point, for logging
	Name() string
	// Topics the topics a session of the identity joins
	Topics(ctx context.Context, identity common.Identity) []common.Topic
	// NewProtocol define the protocol instance of a new session
	NewProtocol() Protocol
}

// ConnectRequest the outcome of the HTTP upgrade request handling
type ConnectRequest struct {
	// Identity the resolved principal. Anonymous if no valid token was presented.
	Identity common.Identity
	// ResolveErr unexpected failure while resolving the identity
	ResolveErr error
	// PathUserID the user ID in the request path, if the end-point is user scoped
	PathUserID *int64
}

// Gateway runs websocket sessions
type Gateway interface {
	/*
		Serve run a session over an upgraded connection. Blocks until the session is CLOSED.

		 @param ctx context.Context - the upgrade request context
		 @param conn *websocket.Conn - the upgraded connection
		 @param req ConnectRequest - the connect parameters
		 @param endpoint Endpoint - the end-point type
	*/
	Serve(ctx context.Context, conn *websocket.Conn, req ConnectRequest, endpoint Endpoint)
	// CloseAll close every active session with GoingAway
	CloseAll()
	/*
		Shutdown reject new sessions, close every active one, then wait for them to
		finish tearing down

		 @param ctx context.Context - bounds the wait
		 @return ctx.Err() if some session is still tearing down when ctx ends
	*/
	Shutdown(ctx context.Context) error
	// ActiveSessions number of sessions not yet CLOSED
	ActiveSessions() int
	// SetStateObserver install a callback for session state changes
	SetStateObserver(observer StateObserver)
}

// gatewayImpl implements Gateway
type gatewayImpl struct {
	common.Component
	baseCtxt context.Context
	registry registry.Registry
	cfg      common.WebSocketConfig

	lock     sync.Mutex
	sessions map[string]*Session
	observer StateObserver
	draining bool
	// running tracks Serve calls past registration
	running sync.WaitGroup
}

/*
GetGateway define a new websocket gateway

	@param ctxt context.Context - base context of all sessions
	@param membership registry.Registry - the group membership registry
	@param cfg common.WebSocketConfig - per connection parameters
*/
func GetGateway(
	ctxt context.Context, membership registry.Registry, cfg common.WebSocketConfig,
) (Gateway, error) {
	if cfg.OutboundQueueDepth < 1 {
		return nil, errors.New("outbound queue depth must be positive")
	}
	if cfg.PingInterval < 1 || cfg.PongTimeout <= cfg.PingInterval {
		return nil, errors.New("pong timeout must exceed a positive ping interval")
	}
	logTags := log.Fields{"module": "gateway", "component": "gateway"}
	return &gatewayImpl{
		Component: common.Component{LogTags: logTags},
		baseCtxt:  ctxt,
		registry:  membership,
		cfg:       cfg,
		sessions:  map[string]*Session{},
	}, nil
}

func (g *gatewayImpl) SetStateObserver(observer StateObserver) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.observer = observer
}

func (g *gatewayImpl) ActiveSessions() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.sessions)
}

func (g *gatewayImpl) CloseAll() {
	g.lock.Lock()
	active := make([]*Session, 0, len(g.sessions))
	for _, session := range g.sessions {
		active = append(active, session)
	}
	g.lock.Unlock()
	log.WithFields(g.LogTags).Infof("Closing %d sessions", len(active))
	for _, session := range active {
		session.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (g *gatewayImpl) Shutdown(ctx context.Context) error {
	g.lock.Lock()
	g.draining = true
	g.lock.Unlock()
	g.CloseAll()

	done := make(chan bool)
	go func() {
		g.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(g.LogTags).Info("All sessions closed")
		return nil
	case <-ctx.Done():
		log.WithFields(g.LogTags).Warnf("%d sessions still closing", g.ActiveSessions())
		return ctx.Err()
	}
}

// register track a new session. Fails once the gateway is draining.
func (g *gatewayImpl) register(session *Session) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.draining {
		return false
	}
	g.sessions[session.ID()] = session
	g.running.Add(1)
	return true
}

func (g *gatewayImpl) deregister(session *Session) {
	g.lock.Lock()
	delete(g.sessions, session.ID())
	g.lock.Unlock()
	g.running.Done()
}

// authenticate the connect request must carry a resolved identity
func authenticate(req ConnectRequest) error {
	if req.ResolveErr != nil {
		return errors.Wrap(req.ResolveErr, "identity resolution failed")
	}
	if !req.Identity.IsAuthenticated() {
		return common.ErrUnauthenticated
	}
	return nil
}

// authorize a user scoped path must name the caller
func authorize(req ConnectRequest) error {
	if req.PathUserID != nil && *req.PathUserID != req.Identity.UserID {
		return common.NewError(
			common.KindForbidden,
			fmt.Sprintf("user %d requested resources of user %d", req.Identity.UserID, *req.PathUserID),
			nil,
		)
	}
	return nil
}

// closeCodeFor the close code rejecting a connect which failed with err
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrUnauthenticated):
		return CloseUnauthenticated, "authentication required"
	case errors.Is(err, common.ErrForbidden):
		return CloseForbidden, "forbidden"
	case errors.Is(err, ErrSessionClosed):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return CloseInternalError, "internal error"
	}
}

// sessionContext the session outlives the request handler context, but keeps its request tags
func (g *gatewayImpl) sessionContext(reqCtxt context.Context) context.Context {
	ctxt := g.baseCtxt
	if v, ok := reqCtxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		ctxt = context.WithValue(ctxt, common.RequestParam{}, v)
	}
	return ctxt
}

func (g *gatewayImpl) Serve(
	ctx context.Context, conn *websocket.Conn, req ConnectRequest, endpoint Endpoint,
) {
	g.lock.Lock()
	observer := g.observer
	g.lock.Unlock()

	session := newSession(g.sessionContext(ctx), conn, g.cfg, endpoint.Name(), observer)
	if req.Identity.IsAuthenticated() {
		session.identity = req.Identity
		session.LogTags["user_id"] = req.Identity.UserID
	}
	if !g.register(session) {
		session.reject(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.deregister(session)

	// Rejections before OPEN go straight to CLOSED
	fail := func(err error) {
		code, reason := closeCodeFor(err)
		if code == CloseInternalError {
			log.WithError(err).WithFields(session.LogTags).Error("Connect failed")
		} else {
			log.WithError(err).WithFields(session.LogTags).Info("Connect refused")
		}
		g.registry.LeaveAll(session)
		session.reject(code, reason)
	}

	// Authenticate
	if err := authenticate(req); err != nil {
		fail(err)
		return
	}
	if err := session.advance(StateAuthenticated); err != nil {
		fail(err)
		return
	}
	if err := authorize(req); err != nil {
		fail(err)
		return
	}

	// Subscribe
	session.protocol = endpoint.NewProtocol()
	topics := endpoint.Topics(session.Context(), req.Identity)
	for _, topic := range topics {
		if err := g.registry.Join(topic, session); err != nil {
			if errors.Is(err, common.ErrRegistryUnavailable) {
				log.WithError(err).WithFields(session.LogTags).Warnf(
					"Unable to join %s, continuing without it", topic,
				)
				continue
			}
			fail(errors.Wrapf(err, "joining %s", topic))
			return
		}
	}
	if err := session.advance(StateSubscribed); err != nil {
		fail(err)
		return
	}

	// Open
	if err := session.advance(StateOpen); err != nil {
		fail(err)
		return
	}
	log.WithFields(session.LogTags).Infof("Session open with topics %v", topics)
	session.wg.Add(1)
	go func() {
		defer session.wg.Done()
		session.runWriter()
	}()
	if err := session.protocol.OnOpen(session.Context(), session); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Protocol failed to open")
		session.Close(CloseInternalError, "internal error")
	} else {
		session.runReader()
	}

	// Teardown
	session.Close(websocket.CloseNormalClosure, "")
	session.wg.Wait()
	for _, err := range g.registry.LeaveAll(session) {
		log.WithError(err).WithFields(session.LogTags).Error("Failed to leave topic")
	}
	session.protocol.OnClose(session)
	if err := session.transition(StateClosed); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Teardown failed")
	}
	log.WithFields(session.LogTags).Info("Session closed")
}
