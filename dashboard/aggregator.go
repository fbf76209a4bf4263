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

package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/storage"
)

// Snapshot field names, also used as keys of Snapshot.Errors
const (
	FieldEnrolledCoursesCount      = "enrolled_courses_count"
	FieldPendingNotificationsCount = "pending_notifications_count"
	FieldPendingNotifications      = "pending_notifications"
	FieldRecentEnrollments         = "recent_enrollments"
	FieldCourseCompletionStats     = "course_completion_stats"
)

// UnavailableMarker the error marker of a failed snapshot field
const UnavailableMarker = "temporarily unavailable"

// PendingNotification an unread notification as shown on the dashboard
type PendingNotification struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// UserInfo the dashboard owner
type UserInfo struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	IsInstructor bool   `json:"is_instructor"`
}

// Snapshot point in time view of a user's dashboard
type Snapshot struct {
	EnrolledCoursesCount      int                         `json:"enrolled_courses_count"`
	PendingNotificationsCount int                         `json:"pending_notifications_count"`
	PendingNotifications      []PendingNotification       `json:"pending_notifications"`
	RecentEnrollments         []storage.EnrollmentSummary `json:"recent_enrollments"`
	CourseCompletionStats     storage.CompletionStats     `json:"course_completion_stats"`
	UserInfo                  UserInfo                    `json:"user_info"`
	Timestamp                 time.Time                   `json:"timestamp"`
	// Errors maps each field which could not be computed to an error marker
	Errors map[string]string `json:"errors,omitempty"`
}

// Degraded whether any field of the snapshot holds a default instead of real data
func (s Snapshot) Degraded() bool {
	return len(s.Errors) > 0
}

// SnapshotSource the store lookups a snapshot is built from
type SnapshotSource interface {
	EnrolledCount(ctx context.Context, userID int64) (int, error)
	RecentEnrollments(ctx context.Context, userID int64, limit int) ([]storage.EnrollmentSummary, error)
	CompletionStats(ctx context.Context, userID int64) (storage.CompletionStats, error)
	ListUnread(ctx context.Context, userID int64, limit int) ([]storage.Notification, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
}

// Aggregator computes dashboard snapshots
type Aggregator interface {
	/*
		BuildSnapshot compute the dashboard snapshot of a user.

		Never fails: a sub-query which errors or times out leaves its field at the
		default value, and is listed in Snapshot.Errors. Cancelling the context aborts
		sub-queries still in flight.

		 @param ctx context.Context - execution context
		 @param identity common.Identity - the dashboard owner
	*/
	BuildSnapshot(ctx context.Context, identity common.Identity) Snapshot
}

// aggregatorImpl implements Aggregator
type aggregatorImpl struct {
	common.Component
	source              SnapshotSource
	queryTimeout        time.Duration
	recentNotifications int
	recentEnrollments   int
}

// GetAggregator define a new dashboard aggregator
func GetAggregator(source SnapshotSource, cfg common.DashboardConfig) (Aggregator, error) {
	logTags := log.Fields{"module": "dashboard", "component": "aggregator"}
	return &aggregatorImpl{
		Component:           common.Component{LogTags: logTags},
		source:              source,
		queryTimeout:        time.Millisecond * time.Duration(cfg.QueryTimeout),
		recentNotifications: cfg.RecentNotifications,
		recentEnrollments:   cfg.RecentEnrollments,
	}, nil
}

// BuildSnapshot compute the dashboard snapshot of a user
func (a *aggregatorImpl) BuildSnapshot(ctx context.Context, identity common.Identity) Snapshot {
	logTags := common.UpdateLogTags(ctx, a.LogTags)
	userID := identity.UserID
	snapshot := Snapshot{
		PendingNotifications: []PendingNotification{},
		RecentEnrollments:    []storage.EnrollmentSummary{},
		UserInfo: UserInfo{
			ID:           identity.UserID,
			Email:        identity.Email,
			Name:         identity.Name,
			IsInstructor: identity.IsInstructor(),
		},
	}

	failures := map[string]string{}
	lock := sync.Mutex{}
	wg := sync.WaitGroup{}
	// A query returns a setter for its own snapshot field. The setter is only applied if
	// the query finished within the timeout.
	run := func(field string, query func(context.Context) (func(), error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryCtxt, cancel := context.WithTimeout(ctx, a.queryTimeout)
			defer cancel()
			type result struct {
				apply func()
				err   error
			}
			done := make(chan result, 1)
			go func() {
				apply, err := query(queryCtxt)
				done <- result{apply: apply, err: err}
			}()
			var err error
			select {
			case res := <-done:
				if res.err == nil {
					res.apply()
				}
				err = res.err
			case <-queryCtxt.Done():
				err = queryCtxt.Err()
			}
			if err != nil {
				entry := log.WithError(err).WithFields(logTags)
				if common.IsTransient(err) {
					entry.Warnf("Dashboard field %s of user %d temporarily unavailable", field, userID)
				} else {
					entry.Errorf("Dashboard field %s of user %d failed", field, userID)
				}
				lock.Lock()
				failures[field] = UnavailableMarker
				lock.Unlock()
			}
		}()
	}

	run(FieldEnrolledCoursesCount, func(qc context.Context) (func(), error) {
		count, err := a.source.EnrolledCount(qc, userID)
		return func() { snapshot.EnrolledCoursesCount = count }, err
	})
	run(FieldPendingNotificationsCount, func(qc context.Context) (func(), error) {
		count, err := a.source.CountUnread(qc, userID)
		return func() { snapshot.PendingNotificationsCount = count }, err
	})
	run(FieldPendingNotifications, func(qc context.Context) (func(), error) {
		unread, err := a.source.ListUnread(qc, userID, a.recentNotifications)
		pending := make([]PendingNotification, 0, len(unread))
		for _, n := range unread {
			pending = append(pending, PendingNotification{
				ID: n.ID, Message: n.Message, CreatedAt: n.CreatedAt,
			})
		}
		return func() { snapshot.PendingNotifications = pending }, err
	})
	run(FieldRecentEnrollments, func(qc context.Context) (func(), error) {
		recent, err := a.source.RecentEnrollments(qc, userID, a.recentEnrollments)
		if recent == nil {
			recent = []storage.EnrollmentSummary{}
		}
		return func() { snapshot.RecentEnrollments = recent }, err
	})
	run(FieldCourseCompletionStats, func(qc context.Context) (func(), error) {
		stats, err := a.source.CompletionStats(qc, userID)
		return func() { snapshot.CourseCompletionStats = stats }, err
	})
	wg.Wait()

	if len(failures) > 0 {
		snapshot.Errors = failures
	}
	snapshot.Timestamp = time.Now().UTC()
	return snapshot
}
