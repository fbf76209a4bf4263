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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/dashboard"
	"github.com/datapundits/lmsnotify/dispatch"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) storage.Store {
	ctxt := context.Background()
	cfg := common.StorageConfig{
		Driver: storage.DriverSQLite,
		DSN: fmt.Sprintf(
			"file:%s?_foreign_keys=on&_busy_timeout=5000",
			filepath.Join(t.TempDir(), "unit-test.db"),
		),
		MaxOpenConns: 1,
	}
	db, err := storage.Open(ctxt, cfg)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	if err := storage.Migrate(ctxt, db, cfg.Driver, "up"); err != nil {
		t.Fatalf("failed to migrate test DB: %v", err)
	}
	store, err := storage.GetSQLStore(db, cfg.Driver)
	if err != nil {
		t.Fatalf("failed to define test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// flakyStore fails every enrollment lookup as a timed out query would
type flakyStore struct {
	storage.Store
}

func (f flakyStore) ActiveCoursesFor(_ context.Context, _ int64) ([]int64, error) {
	return nil, common.NewError(common.KindTransient, "active courses", context.DeadlineExceeded)
}

func (f flakyStore) EnrolledCount(_ context.Context, _ int64) (int, error) {
	return 0, common.NewError(common.KindTransient, "enrolled count", context.DeadlineExceeded)
}

// stateRecorder records every state a session went through
type stateRecorder struct {
	lock   sync.Mutex
	states map[string][]ConnState
}

func (r *stateRecorder) observe(sessionID string, state ConnState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states[sessionID] = append(r.states[sessionID], state)
}

func (r *stateRecorder) reached(state ConnState) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	count := 0
	for _, history := range r.states {
		for _, one := range history {
			if one == state {
				count++
			}
		}
	}
	return count
}

type testGateway struct {
	uut       Gateway
	members   registry.Registry
	publisher dispatch.Dispatcher
	recorder  *stateRecorder
	server    *httptest.Server
}

// testGatewayDeps collaborators a test may substitute
type testGatewayDeps struct {
	members registry.Registry
	courses registry.ActiveCourseSource
}

// newTestGateway start a gateway over a running registry and the store's enrollments
func newTestGateway(
	t *testing.T,
	ctxt context.Context,
	store storage.Store,
	identities map[string]common.Identity,
) *testGateway {
	members := registry.GetRegistry()
	members.Start()
	return newTestGatewayWith(t, ctxt, store, identities, testGatewayDeps{
		members: members, courses: store,
	})
}

/*
newTestGatewayWith start a gateway behind an HTTP test server.

The token query parameter is looked up in the identities map. Unknown tokens resolve to
Anonymous, and the token "explode" fails the identity resolution.
*/
func newTestGatewayWith(
	t *testing.T,
	ctxt context.Context,
	store storage.Store,
	identities map[string]common.Identity,
	deps testGatewayDeps,
) *testGateway {
	wsCfg := common.WebSocketConfig{
		PingInterval: 1, PongTimeout: 5, WriteTimeout: 2, MaxMessageSize: 4096, OutboundQueueDepth: 16,
	}
	dashCfg := common.DashboardConfig{
		QueryTimeout: 2000, RecentNotifications: 5, RecentEnrollments: 3,
	}

	wg := &sync.WaitGroup{}
	members := deps.members
	publisher, err := dispatch.GetDispatcher(ctxt, members, 16)
	if err != nil {
		t.Fatalf("failed to define dispatcher: %v", err)
	}
	if err := publisher.Start(wg); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	aggregator, err := dashboard.GetAggregator(store, dashCfg)
	if err != nil {
		t.Fatalf("failed to define aggregator: %v", err)
	}
	uut, err := GetGateway(ctxt, members, wsCfg)
	if err != nil {
		t.Fatalf("failed to define gateway: %v", err)
	}
	recorder := &stateRecorder{states: map[string][]ConnState{}}
	uut.SetStateObserver(recorder.observe)

	notifications := NotificationsEndpoint(deps.courses, store, common.TopicConfig{QueryTimeout: 2000})
	dashboards := DashboardEndpoint(aggregator, dashCfg)

	upgrader := websocket.Upgrader{}
	serve := func(endpoint Endpoint) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			req := ConnectRequest{Identity: common.Anonymous}
			token := r.URL.Query().Get("token")
			if token == "explode" {
				req.ResolveErr = errors.New("user store unreachable")
			} else if identity, ok := identities[token]; ok {
				req.Identity = identity
			}
			if raw, ok := mux.Vars(r)["userID"]; ok {
				userID, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					http.Error(w, "bad user ID", http.StatusBadRequest)
					return
				}
				req.PathUserID = &userID
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			uut.Serve(r.Context(), conn, req, endpoint)
		}
	}
	router := mux.NewRouter()
	router.HandleFunc("/ws/notifications/", serve(notifications))
	router.HandleFunc("/ws/notifications/{userID}/", serve(notifications))
	router.HandleFunc("/ws/dashboard/{userID}/", serve(dashboards))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := uut.Shutdown(stopCtxt); err != nil {
			t.Errorf("sessions did not close: %v", err)
		}
		server.Close()
		_ = publisher.Stop()
		wg.Wait()
	})
	return &testGateway{
		uut: uut, members: members, publisher: publisher, recorder: recorder, server: server,
	}
}

func (g *testGateway) dial(t *testing.T, path string) *websocket.Conn {
	target := "ws" + strings.TrimPrefix(g.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(conn *websocket.Conn) (map[string]interface{}, error) {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	frame := map[string]interface{}{}
	err := conn.ReadJSON(&frame)
	return frame, err
}

// readCloseCode read until the server closes the connection
func readCloseCode(conn *websocket.Conn) int {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return -1
		}
	}
}

// heartbeat a heartbeat round trip proves the session is OPEN
func heartbeat(assert *assert.Assertions, conn *websocket.Conn) {
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	reply, err := readFrame(conn)
	assert.Nil(err)
	assert.Equal(common.MsgTypeHeartbeatResponse, reply["type"])
}

func TestGatewayRejectsConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	gw := newTestGateway(t, utCtxt, store, map[string]common.Identity{
		"token-42": {UserID: 42, Email: "student@example.com", Role: common.RoleStudent},
	})

	// Case 0: no token
	{
		conn := gw.dial(t, "/ws/notifications/")
		assert.Equal(CloseUnauthenticated, readCloseCode(conn))
	}

	// Case 1: invalid token
	{
		conn := gw.dial(t, "/ws/notifications/?token=garbage")
		assert.Equal(CloseUnauthenticated, readCloseCode(conn))
	}

	// Case 2: identity resolution failure
	{
		conn := gw.dial(t, "/ws/notifications/?token=explode")
		assert.Equal(CloseInternalError, readCloseCode(conn))
	}

	// Case 3: dashboard of another user
	{
		conn := gw.dial(t, "/ws/dashboard/43/?token=token-42")
		assert.Equal(CloseForbidden, readCloseCode(conn))
	}

	// Case 4: notifications of another user
	{
		conn := gw.dial(t, "/ws/notifications/43/?token=token-42")
		assert.Equal(CloseForbidden, readCloseCode(conn))
	}

	// None of the rejected sessions joined a topic or reached OPEN
	assert.Eventually(func() bool {
		return gw.uut.ActiveSessions() == 0
	}, time.Second*5, time.Millisecond*20)
	assert.Equal(0, gw.recorder.reached(StateOpen))
	assert.Equal(5, gw.recorder.reached(StateClosed))
	assert.Empty(gw.members.Subscribers(common.UserTopic(42)))
}

func TestNotificationsSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	student, err := store.CreateUser(utCtxt, storage.User{
		Email: "student@example.com", Role: "student", IsActive: true,
	})
	assert.Nil(err)
	other, err := store.CreateUser(utCtxt, storage.User{
		Email: "other@example.com", Role: "student", IsActive: true,
	})
	assert.Nil(err)
	course, err := store.CreateCourse(utCtxt, storage.Course{Title: "Go 101", Status: "published"})
	assert.Nil(err)
	_, err = store.CreateEnrollment(utCtxt, storage.Enrollment{UserID: student.ID, CourseID: course.ID})
	assert.Nil(err)
	mine, err := store.CreateNotification(utCtxt, student.ID, "graded")
	assert.Nil(err)
	theirs, err := store.CreateNotification(utCtxt, other.ID, "graded")
	assert.Nil(err)

	gw := newTestGateway(t, utCtxt, store, map[string]common.Identity{
		"token-student": student.Identity(),
	})
	conn := gw.dial(t, "/ws/notifications/?token=token-student")
	heartbeat(assert, conn)

	// Case 0: joined the user and course topics
	{
		assert.Len(gw.members.Subscribers(common.UserTopic(student.ID)), 1)
		assert.Len(gw.members.Subscribers(common.CourseTopic(course.ID)), 1)
		assert.Empty(gw.members.Subscribers(common.AdminTopic))
		assert.Equal(1, gw.recorder.reached(StateOpen))
	}

	// Case 1: pushes arrive in publish order
	{
		assert.Nil(gw.publisher.Publish(
			utCtxt, common.UserTopic(student.ID), common.EventNotification,
			map[string]interface{}{"id": mine.ID, "message": "graded"},
		))
		assert.Nil(gw.publisher.Publish(
			utCtxt, common.CourseTopic(course.ID), common.EventAnnouncement,
			map[string]interface{}{"message": "lesson posted"},
		))
		first, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeNotification, first["type"])
		assert.Equal("graded", first["notification"].(map[string]interface{})["message"])
		second, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeNotification, second["type"])
		assert.Equal("lesson posted", second["notification"].(map[string]interface{})["message"])
	}

	markRead := func(notificationID int64) bool {
		request := fmt.Sprintf(`{"type":"mark_read","notification_id":%d}`, notificationID)
		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(request)))
		reply, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeNotificationMarked, reply["type"])
		assert.EqualValues(notificationID, reply["notification_id"])
		return reply["success"].(bool)
	}

	// Case 2: mark read is idempotent
	{
		assert.True(markRead(mine.ID))
		assert.True(markRead(mine.ID))
		unread, err := store.CountUnread(utCtxt, student.ID)
		assert.Nil(err)
		assert.Equal(0, unread)
	}

	// Case 3: foreign and unknown notifications are not modified
	{
		assert.False(markRead(theirs.ID))
		assert.False(markRead(theirs.ID + 1000))
		unread, err := store.CountUnread(utCtxt, other.ID)
		assert.Nil(err)
		assert.Equal(1, unread)
	}

	// Case 4: malformed frames get an error reply, the session stays open
	{
		for _, frame := range []string{
			`{not json`,
			`{"type":"mark_read","notification_id":"abc"}`,
			`{"type":"do_something_else"}`,
		} {
			assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(frame)))
			reply, err := readFrame(conn)
			assert.Nil(err)
			assert.Equal(common.MsgTypeError, reply["type"])
			assert.NotEmpty(reply["message"])
		}
		heartbeat(assert, conn)
	}

	// Case 5: disconnect leaves every topic
	{
		assert.Nil(conn.WriteMessage(
			websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		assert.Eventually(func() bool {
			return gw.uut.ActiveSessions() == 0
		}, time.Second*5, time.Millisecond*20)
		assert.Empty(gw.members.Subscribers(common.UserTopic(student.ID)))
		assert.Empty(gw.members.Subscribers(common.CourseTopic(course.ID)))
		assert.Equal(1, gw.recorder.reached(StateClosed))
		// Publishing to a departed user is harmless
		assert.Nil(gw.publisher.Publish(
			utCtxt, common.UserTopic(student.ID), common.EventNotification, "late",
		))
	}
}

func TestNotificationsSessionDegradedTopics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	admin, err := store.CreateUser(utCtxt, storage.User{
		Email: "admin@example.com", Role: "administrator", IsStaff: true, IsActive: true,
	})
	assert.Nil(err)
	course, err := store.CreateCourse(utCtxt, storage.Course{Title: "Go 101", Status: "published"})
	assert.Nil(err)
	_, err = store.CreateEnrollment(utCtxt, storage.Enrollment{UserID: admin.ID, CourseID: course.ID})
	assert.Nil(err)

	gw := newTestGateway(t, utCtxt, flakyStore{Store: store}, map[string]common.Identity{
		"token-admin": admin.Identity(),
	})
	conn := gw.dial(t, "/ws/notifications/?token=token-admin")
	heartbeat(assert, conn)

	// The session opens with the user and admin topics only
	assert.Len(gw.members.Subscribers(common.UserTopic(admin.ID)), 1)
	assert.Len(gw.members.Subscribers(common.AdminTopic), 1)
	assert.Empty(gw.members.Subscribers(common.CourseTopic(course.ID)))

	// Case 0: admin broadcast
	{
		assert.Nil(gw.publisher.Publish(
			utCtxt, common.AdminTopic, common.EventAnnouncement, map[string]string{"message": "maintenance"},
		))
		push, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeNotification, push["type"])
	}

	// Case 1: server shutdown closes with going away
	{
		gw.uut.CloseAll()
		assert.Equal(websocket.CloseGoingAway, readCloseCode(conn))
		assert.Eventually(func() bool {
			return gw.uut.ActiveSessions() == 0
		}, time.Second*5, time.Millisecond*20)
		assert.Empty(gw.members.Subscribers(common.AdminTopic))
	}
}

func TestDashboardSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	student, err := store.CreateUser(utCtxt, storage.User{
		Email: "student@example.com", Name: "Stu Dent", Role: "student", IsActive: true,
	})
	assert.Nil(err)
	course, err := store.CreateCourse(utCtxt, storage.Course{Title: "Go 101", Status: "published"})
	assert.Nil(err)
	_, err = store.CreateEnrollment(utCtxt, storage.Enrollment{UserID: student.ID, CourseID: course.ID})
	assert.Nil(err)

	gw := newTestGateway(t, utCtxt, store, map[string]common.Identity{
		"token-student": student.Identity(),
	})
	conn := gw.dial(t, fmt.Sprintf("/ws/dashboard/%d/?token=token-student", student.ID))

	readSnapshot := func() map[string]interface{} {
		update, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeDashboardUpdate, update["type"])
		payload, ok := update["payload"].(map[string]interface{})
		assert.True(ok)
		return payload
	}

	// Case 0: initial snapshot once open
	{
		snapshot := readSnapshot()
		assert.EqualValues(1, snapshot[dashboard.FieldEnrolledCoursesCount])
		assert.EqualValues(0, snapshot[dashboard.FieldPendingNotificationsCount])
		assert.Nil(snapshot["errors"])
		userInfo := snapshot["user_info"].(map[string]interface{})
		assert.Equal("Stu Dent", userInfo["name"])
		assert.Equal(false, userInfo["is_instructor"])
		// Only the user topic is joined
		assert.Len(gw.members.Subscribers(common.UserTopic(student.ID)), 1)
		assert.Empty(gw.members.Subscribers(common.CourseTopic(course.ID)))
	}

	// Case 1: a notification for the user triggers a refresh
	{
		created, err := store.CreateNotification(utCtxt, student.ID, "graded")
		assert.Nil(err)
		assert.Nil(gw.publisher.Publish(
			utCtxt, common.UserTopic(student.ID), common.EventNotification,
			map[string]interface{}{"id": created.ID},
		))
		snapshot := readSnapshot()
		assert.EqualValues(1, snapshot[dashboard.FieldPendingNotificationsCount])
		assert.Len(snapshot[dashboard.FieldPendingNotifications], 1)
	}

	// Case 2: explicit request
	{
		assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_update"}`)))
		snapshot := readSnapshot()
		assert.EqualValues(1, snapshot[dashboard.FieldEnrolledCoursesCount])
		heartbeat(assert, conn)
	}

	// Case 3: mark_read is not part of the dashboard protocol
	{
		assert.Nil(conn.WriteMessage(
			websocket.TextMessage, []byte(`{"type":"mark_read","notification_id":1}`),
		))
		reply, err := readFrame(conn)
		assert.Nil(err)
		assert.Equal(common.MsgTypeError, reply["type"])
	}
}

func TestDashboardSessionDegraded(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	student, err := store.CreateUser(utCtxt, storage.User{
		Email: "student@example.com", Role: "student", IsActive: true,
	})
	assert.Nil(err)
	_, err = store.CreateNotification(utCtxt, student.ID, "welcome")
	assert.Nil(err)

	gw := newTestGateway(t, utCtxt, flakyStore{Store: store}, map[string]common.Identity{
		"token-student": student.Identity(),
	})
	conn := gw.dial(t, fmt.Sprintf("/ws/dashboard/%d/?token=token-student", student.ID))

	// The failed field defaults with a marker while the rest of the snapshot is intact
	update, err := readFrame(conn)
	assert.Nil(err)
	assert.Equal(common.MsgTypeDashboardUpdate, update["type"])
	snapshot := update["payload"].(map[string]interface{})
	assert.EqualValues(0, snapshot[dashboard.FieldEnrolledCoursesCount])
	assert.EqualValues(1, snapshot[dashboard.FieldPendingNotificationsCount])
	markers := snapshot["errors"].(map[string]interface{})
	assert.Equal(dashboard.UnavailableMarker, markers[dashboard.FieldEnrolledCoursesCount])

	// The session stays open
	heartbeat(assert, conn)
	assert.Equal(1, gw.recorder.reached(StateOpen))
	assert.Equal(0, gw.recorder.reached(StateClosing))
}

// blockingCourses holds the active course lookup until its context ends
type blockingCourses struct {
	entered chan bool
}

func (b *blockingCourses) ActiveCoursesFor(ctx context.Context, _ int64) ([]int64, error) {
	b.entered <- true
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionClosedWhileSubscribing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	members := registry.GetRegistry()
	members.Start()
	courses := &blockingCourses{entered: make(chan bool, 1)}
	gw := newTestGatewayWith(t, utCtxt, store, map[string]common.Identity{
		"token-42": {UserID: 42, Email: "student@example.com", Role: common.RoleStudent},
	}, testGatewayDeps{members: members, courses: courses})

	// Case 0: closing all sessions while topics are being derived
	{
		conn := gw.dial(t, "/ws/notifications/?token=token-42")
		select {
		case <-courses.entered:
		case <-time.After(time.Second * 5):
			assert.FailNow("topic derivation never started")
		}
		gw.uut.CloseAll()
		assert.Equal(websocket.CloseGoingAway, readCloseCode(conn))
	}

	// The session went straight to CLOSED without joining anything
	assert.Eventually(func() bool {
		return gw.uut.ActiveSessions() == 0
	}, time.Second*5, time.Millisecond*20)
	assert.Equal(0, gw.recorder.reached(StateSubscribed))
	assert.Equal(0, gw.recorder.reached(StateOpen))
	assert.Equal(0, gw.recorder.reached(StateClosing))
	assert.Equal(1, gw.recorder.reached(StateClosed))
	assert.Empty(members.Subscribers(common.UserTopic(42)))
}

func TestGatewayShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	gw := newTestGateway(t, utCtxt, store, map[string]common.Identity{
		"token-42": {UserID: 42, Email: "student@example.com", Role: common.RoleStudent},
	})
	conn := gw.dial(t, "/ws/notifications/?token=token-42")
	heartbeat(assert, conn)

	// Case 0: shutdown returns once every session finished tearing down
	{
		stopCtxt, cancel := context.WithTimeout(utCtxt, time.Second*5)
		defer cancel()
		assert.Nil(gw.uut.Shutdown(stopCtxt))
		assert.Equal(0, gw.uut.ActiveSessions())
		assert.Equal(1, gw.recorder.reached(StateClosed))
		assert.Empty(gw.members.Subscribers(common.UserTopic(42)))
		assert.Equal(websocket.CloseGoingAway, readCloseCode(conn))
	}

	// Case 1: new connections are turned away
	{
		late := gw.dial(t, "/ws/notifications/?token=token-42")
		assert.Equal(websocket.CloseGoingAway, readCloseCode(late))
		assert.Eventually(func() bool {
			return gw.recorder.reached(StateClosed) == 2
		}, time.Second*5, time.Millisecond*20)
		assert.Equal(1, gw.recorder.reached(StateOpen))
		assert.Equal(0, gw.uut.ActiveSessions())
	}
}

func TestSessionWithRegistryUnavailable(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	members := registry.GetRegistry()
	members.Start()
	members.Stop()
	gw := newTestGatewayWith(t, utCtxt, store, map[string]common.Identity{
		"token-42": {UserID: 42, Email: "student@example.com", Role: common.RoleStudent},
	}, testGatewayDeps{members: members, courses: store})

	// Case 0: the session opens without any topic
	{
		conn := gw.dial(t, "/ws/notifications/?token=token-42")
		heartbeat(assert, conn)
		assert.Equal(1, gw.recorder.reached(StateOpen))
		assert.Empty(members.Subscribers(common.UserTopic(42)))
	}
}

// stuckRegistry fails to remove anyone from one topic
type stuckRegistry struct {
	registry.Registry
	stuck common.Topic
}

func (r *stuckRegistry) Leave(topic common.Topic, sub registry.Subscriber) error {
	if topic == r.stuck {
		return fmt.Errorf("unable to leave %s", topic)
	}
	return r.Registry.Leave(topic, sub)
}

func (r *stuckRegistry) LeaveAll(sub registry.Subscriber) []error {
	return registry.LeaveEach(r, sub)
}

func TestSessionTeardownWithFailedLeave(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := newTestStore(t)
	student, err := store.CreateUser(utCtxt, storage.User{
		Email: "student@example.com", Role: "student", IsActive: true,
	})
	assert.Nil(err)
	course, err := store.CreateCourse(utCtxt, storage.Course{Title: "Go 101", Status: "published"})
	assert.Nil(err)
	_, err = store.CreateEnrollment(utCtxt, storage.Enrollment{UserID: student.ID, CourseID: course.ID})
	assert.Nil(err)

	inner := registry.GetRegistry()
	inner.Start()
	members := &stuckRegistry{Registry: inner, stuck: common.UserTopic(student.ID)}
	gw := newTestGatewayWith(t, utCtxt, store, map[string]common.Identity{
		"token-student": student.Identity(),
	}, testGatewayDeps{members: members, courses: store})

	conn := gw.dial(t, "/ws/notifications/?token=token-student")
	heartbeat(assert, conn)
	assert.Len(members.Subscribers(common.UserTopic(student.ID)), 1)
	assert.Len(members.Subscribers(common.CourseTopic(course.ID)), 1)

	// Case 0: client disconnects, one topic can not be left
	{
		assert.Nil(conn.WriteMessage(
			websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		assert.Equal(websocket.CloseNormalClosure, readCloseCode(conn))
		assert.Eventually(func() bool {
			return gw.uut.ActiveSessions() == 0
		}, time.Second*5, time.Millisecond*20)
		assert.Equal(1, gw.recorder.reached(StateClosed))
		assert.Empty(members.Subscribers(common.CourseTopic(course.ID)))
		assert.Len(members.Subscribers(common.UserTopic(student.ID)), 1)
	}
}
