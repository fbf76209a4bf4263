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
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// sqlStore implements Store on a SQL database
type sqlStore struct {
	common.Component
	db     *sqlx.DB
	driver string
}

// GetSQLStore define a new SQL backed store
func GetSQLStore(db *sqlx.DB, driver string) (Store, error) {
	if _, _, err := migrationDialect(driver); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "sql-store", "instance": driver}
	return &sqlStore{
		Component: common.Component{LogTags: logTags},
		db:        db,
		driver:    driver,
	}, nil
}

// Ping verify the database is reachable
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeFailure(err, "DB ping failed")
	}
	return nil
}

// Close release the database
func (s *sqlStore) Close() error {
	log.WithFields(s.LogTags).Info("Closing database")
	return s.db.Close()
}

func notFound(format string, args ...interface{}) error {
	return common.NewError(common.KindNotFound, fmt.Sprintf(format, args...), nil)
}

// storeFailure wrap a failed database call. Timeouts and lost connections are transient.
func storeFailure(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if common.IsTransient(err) || errors.Is(err, driver.ErrBadConn) {
		return common.NewError(common.KindTransient, msg, err)
	}
	return errors.Wrap(err, msg)
}

// ============================================================================
// Users

// GetUser fetch one user
func (s *sqlStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	query := s.db.Rebind(`SELECT id, email, name, role, is_staff, is_superuser, is_active, date_joined
FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &user, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, notFound("user %d", userID)
		}
		return User{}, storeFailure(err, "fetching user %d", userID)
	}
	return user, nil
}

// CreateUser record a new user
func (s *sqlStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.Role == "" {
		user.Role = string(common.RoleStudent)
	}
	if user.DateJoined.IsZero() {
		user.DateJoined = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO users
(email, name, role, is_staff, is_superuser, is_active, date_joined)
VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(
		ctx, query,
		user.Email, user.Name, user.Role, user.IsStaff, user.IsSuperuser, user.IsActive,
		user.DateJoined,
	).Scan(&user.ID); err != nil {
		return User{}, storeFailure(err, "creating user %s", user.Email)
	}
	return user, nil
}

// ============================================================================
// Courses

// CreateCourse record a new course
func (s *sqlStore) CreateCourse(ctx context.Context, course Course) (Course, error) {
	if course.Status == "" {
		course.Status = "active"
	}
	if course.CreatedAt.IsZero() {
		course.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO courses
(title, description, instructor_id, status, created_at)
VALUES (?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(
		ctx, query,
		course.Title, course.Description, course.InstructorID, course.Status, course.CreatedAt,
	).Scan(&course.ID); err != nil {
		return Course{}, storeFailure(err, "creating course %s", course.Title)
	}
	return course, nil
}

// TitlesFor fetch the titles of a set of courses
func (s *sqlStore) TitlesFor(ctx context.Context, courseIDs []int64) (map[int64]string, error) {
	titles := map[int64]string{}
	if len(courseIDs) == 0 {
		return titles, nil
	}
	query, args, err := sqlx.In(`SELECT id, title FROM courses WHERE id IN (?)`, courseIDs)
	if err != nil {
		return nil, storeFailure(err, "building course title query")
	}
	var rows []struct {
		ID    int64  `db:"id"`
		Title string `db:"title"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, storeFailure(err, "fetching course titles")
	}
	for _, row := range rows {
		titles[row.ID] = row.Title
	}
	return titles, nil
}

// ============================================================================
// Enrollments

// CreateEnrollment record a new enrollment
func (s *sqlStore) CreateEnrollment(ctx context.Context, enrollment Enrollment) (Enrollment, error) {
	if enrollment.Status == "" {
		enrollment.Status = EnrollmentActive
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO enrollments
(user_id, course_id, status, progress_percentage, created_at)
VALUES (?, ?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(
		ctx, query,
		enrollment.UserID, enrollment.CourseID, enrollment.Status,
		enrollment.ProgressPercentage, enrollment.CreatedAt,
	).Scan(&enrollment.ID); err != nil {
		return Enrollment{}, storeFailure(
			err, "enrolling user %d in course %d", enrollment.UserID, enrollment.CourseID,
		)
	}
	return enrollment, nil
}

// ActiveCoursesFor IDs of the courses a user is actively enrolled in
func (s *sqlStore) ActiveCoursesFor(ctx context.Context, userID int64) ([]int64, error) {
	courseIDs := []int64{}
	query := s.db.Rebind(`SELECT DISTINCT course_id FROM enrollments
WHERE user_id = ? AND status = ? ORDER BY course_id`)
	if err := s.db.SelectContext(ctx, &courseIDs, query, userID, EnrollmentActive); err != nil {
		return nil, storeFailure(err, "fetching active courses of user %d", userID)
	}
	return courseIDs, nil
}

// EnrolledCount number of active enrollments of a user
func (s *sqlStore) EnrolledCount(ctx context.Context, userID int64) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM enrollments WHERE user_id = ? AND status = ?`)
	if err := s.db.GetContext(ctx, &count, query, userID, EnrollmentActive); err != nil {
		return 0, storeFailure(err, "counting enrollments of user %d", userID)
	}
	return count, nil
}

// RecentEnrollments the most recent enrollments of a user, of any status
func (s *sqlStore) RecentEnrollments(
	ctx context.Context, userID int64, limit int,
) ([]EnrollmentSummary, error) {
	summaries := []EnrollmentSummary{}
	query := s.db.Rebind(`SELECT e.course_id AS course_id,
COALESCE(c.title, 'N/A') AS course_name,
e.status AS status,
e.created_at AS enrolled_date
FROM enrollments e LEFT JOIN courses c ON c.id = e.course_id
WHERE e.user_id = ? ORDER BY e.created_at DESC, e.id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &summaries, query, userID, limit); err != nil {
		return nil, storeFailure(err, "fetching recent enrollments of user %d", userID)
	}
	return summaries, nil
}

// CompletionStats completion counts of a user
func (s *sqlStore) CompletionStats(ctx context.Context, userID int64) (CompletionStats, error) {
	var rows []struct {
		Status string `db:"status"`
		Total  int    `db:"total"`
	}
	query := s.db.Rebind(`SELECT status, COUNT(*) AS total FROM enrollments
WHERE user_id = ? AND status IN (?, ?) GROUP BY status`)
	if err := s.db.SelectContext(
		ctx, &rows, query, userID, EnrollmentActive, EnrollmentCompleted,
	); err != nil {
		return CompletionStats{}, storeFailure(err, "fetching completion stats of user %d", userID)
	}
	stats := CompletionStats{}
	for _, row := range rows {
		switch row.Status {
		case EnrollmentActive:
			stats.InProgress = row.Total
		case EnrollmentCompleted:
			stats.Completed = row.Total
		}
	}
	stats.TotalEnrolled = stats.InProgress + stats.Completed
	return stats, nil
}

// ============================================================================
// Notifications

// CreateNotification record a new unread notification
func (s *sqlStore) CreateNotification(
	ctx context.Context, userID int64, message string,
) (Notification, error) {
	notification := Notification{
		UserID: userID, Message: message, IsRead: false, CreatedAt: time.Now().UTC(),
	}
	query := s.db.Rebind(`INSERT INTO notifications (user_id, message, is_read, created_at)
VALUES (?, ?, ?, ?) RETURNING id`)
	if err := s.db.QueryRowxContext(
		ctx, query, userID, message, false, notification.CreatedAt,
	).Scan(&notification.ID); err != nil {
		return Notification{}, storeFailure(err, "creating notification for user %d", userID)
	}
	return notification, nil
}

// ListUnread the newest unread notifications of a user
func (s *sqlStore) ListUnread(
	ctx context.Context, userID int64, limit int,
) ([]Notification, error) {
	notifications := []Notification{}
	query := s.db.Rebind(`SELECT id, user_id, message, is_read, created_at FROM notifications
WHERE user_id = ? AND is_read = ? ORDER BY created_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &notifications, query, userID, false, limit); err != nil {
		return nil, storeFailure(err, "fetching unread notifications of user %d", userID)
	}
	return notifications, nil
}

// CountUnread number of unread notifications of a user
func (s *sqlStore) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?`)
	if err := s.db.GetContext(ctx, &count, query, userID, false); err != nil {
		return 0, storeFailure(err, "counting unread notifications of user %d", userID)
	}
	return count, nil
}

// GetForUser fetch a notification owned by a user
func (s *sqlStore) GetForUser(
	ctx context.Context, userID int64, notificationID int64,
) (Notification, error) {
	var notification Notification
	query := s.db.Rebind(`SELECT id, user_id, message, is_read, created_at FROM notifications
WHERE id = ? AND user_id = ?`)
	if err := s.db.GetContext(ctx, &notification, query, notificationID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, notFound("notification %d of user %d", notificationID, userID)
		}
		return Notification{}, storeFailure(err, "fetching notification %d", notificationID)
	}
	return notification, nil
}

// MarkRead mark a notification owned by the user as read
func (s *sqlStore) MarkRead(ctx context.Context, userID int64, notificationID int64) error {
	logTags := common.UpdateLogTags(ctx, s.LogTags)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeFailure(err, "starting mark-read transaction")
	}
	// No-op once committed
	defer func() { _ = tx.Rollback() }()

	query := `SELECT is_read FROM notifications WHERE id = ? AND user_id = ?`
	if isPostgres(s.driver) {
		query += ` FOR UPDATE`
	}
	var isRead bool
	if err := tx.GetContext(ctx, &isRead, tx.Rebind(query), notificationID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithFields(logTags).Debugf(
				"Notification %d not found for user %d", notificationID, userID,
			)
			return notFound("notification %d of user %d", notificationID, userID)
		}
		return storeFailure(err, "locking notification %d", notificationID)
	}
	if !isRead {
		update := tx.Rebind(`UPDATE notifications SET is_read = ? WHERE id = ? AND is_read = ?`)
		if _, err := tx.ExecContext(ctx, update, true, notificationID, false); err != nil {
			return storeFailure(err, "marking notification %d read", notificationID)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeFailure(err, "committing notification %d read state", notificationID)
	}
	log.WithFields(logTags).Debugf("Notification %d of user %d marked read", notificationID, userID)
	return nil
}
