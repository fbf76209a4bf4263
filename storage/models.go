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
	"database/sql"
	"time"

	"github.com/datapundits/lmsnotify/common"
)

// User an LMS account
type User struct {
	ID          int64     `db:"id" json:"id"`
	Email       string    `db:"email" json:"email" validate:"required,email"`
	Name        string    `db:"name" json:"name"`
	Role        string    `db:"role" json:"role" validate:"oneof=student instructor administrator"`
	IsStaff     bool      `db:"is_staff" json:"is_staff"`
	IsSuperuser bool      `db:"is_superuser" json:"is_superuser"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	DateJoined  time.Time `db:"date_joined" json:"date_joined"`
}

// Identity the principal for this user
func (u User) Identity() common.Identity {
	return common.Identity{
		UserID:      u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        common.Role(u.Role),
		IsStaff:     u.IsStaff,
		IsSuperuser: u.IsSuperuser,
	}
}

// Course an LMS course
type Course struct {
	ID           int64         `db:"id" json:"id"`
	Title        string        `db:"title" json:"title" validate:"required"`
	Description  string        `db:"description" json:"description"`
	InstructorID sql.NullInt64 `db:"instructor_id" json:"-"`
	Status       string        `db:"status" json:"status"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// Enrollment status values
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentDropped   = "dropped"
)

// Enrollment a user's relation to a course
type Enrollment struct {
	ID                 int64     `db:"id" json:"id"`
	UserID             int64     `db:"user_id" json:"user_id"`
	CourseID           int64     `db:"course_id" json:"course_id"`
	Status             string    `db:"status" json:"status" validate:"oneof=active completed dropped"`
	ProgressPercentage int       `db:"progress_percentage" json:"progress_percentage"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// EnrollmentSummary a recent enrollment as shown on the dashboard
type EnrollmentSummary struct {
	CourseID     int64     `db:"course_id" json:"course_id"`
	CourseName   string    `db:"course_name" json:"course_name"`
	Status       string    `db:"status" json:"status"`
	EnrolledDate time.Time `db:"enrolled_date" json:"enrolled_date"`
}

// CompletionStats course completion counts of a user
type CompletionStats struct {
	TotalEnrolled int `json:"total_enrolled"`
	InProgress    int `json:"in_progress"`
	Completed     int `json:"completed"`
}

// Notification a durable per-user notification
type Notification struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Message   string    `db:"message" json:"message"`
	IsRead    bool      `db:"is_read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
