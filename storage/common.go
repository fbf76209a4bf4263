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

package storage

import (
	"context"
)

// UserStore user account lookups
type UserStore interface {
	// GetUser fetch one user. Returns common.ErrNotFound if missing.
	GetUser(ctx context.Context, userID int64) (User, error)
	// CreateUser record a new user
	CreateUser(ctx context.Context, user User) (User, error)
}

// CourseStore course lookups
type CourseStore interface {
	// CreateCourse record a new course
	CreateCourse(ctx context.Context, course Course) (Course, error)
	// TitlesFor fetch the titles of a set of courses
	TitlesFor(ctx context.Context, courseIDs []int64) (map[int64]string, error)
}

// EnrollmentStore enrollment lookups
type EnrollmentStore interface {
	// CreateEnrollment record a new enrollment
	CreateEnrollment(ctx context.Context, enrollment Enrollment) (Enrollment, error)
	// ActiveCoursesFor IDs of the courses a user is actively enrolled in
	ActiveCoursesFor(ctx context.Context, userID int64) ([]int64, error)
	// EnrolledCount number of active enrollments of a user
	EnrolledCount(ctx context.Context, userID int64) (int, error)
	// RecentEnrollments the most recent enrollments of a user, of any status
	RecentEnrollments(ctx context.Context, userID int64, limit int) ([]EnrollmentSummary, error)
	// CompletionStats completion counts of a user
	CompletionStats(ctx context.Context, userID int64) (CompletionStats, error)
}

// NotificationStore notification records
type NotificationStore interface {
	// CreateNotification record a new unread notification
	CreateNotification(ctx context.Context, userID int64, message string) (Notification, error)
	// ListUnread the newest unread notifications of a user
	ListUnread(ctx context.Context, userID int64, limit int) ([]Notification, error)
	// CountUnread number of unread notifications of a user
	CountUnread(ctx context.Context, userID int64) (int, error)
	// GetForUser fetch a notification owned by a user. Returns common.ErrNotFound if
	// missing or owned by someone else.
	GetForUser(ctx context.Context, userID int64, notificationID int64) (Notification, error)
}

// ReadStateStore notification read state transitions
type ReadStateStore interface {
	/*
		MarkRead mark a notification owned by the user as read.

		Idempotent: marking an already read notification succeeds. Returns
		common.ErrNotFound, with nothing modified, if the notification does not
		exist or is owned by a different user.

		 @param ctx context.Context - execution context
		 @param userID int64 - the requesting user
		 @param notificationID int64 - the notification
	*/
	MarkRead(ctx context.Context, userID int64, notificationID int64) error
}

// Store the complete persistence layer
type Store interface {
	UserStore
	CourseStore
	EnrollmentStore
	NotificationStore
	ReadStateStore
	// Ping verify the database is reachable
	Ping(ctx context.Context) error
	// Close release the database
	Close() error
}
