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

// Role of an LMS user
type Role string

// Known user roles
const (
	RoleStudent       Role = "student"
	RoleInstructor    Role = "instructor"
	RoleAdministrator Role = "administrator"
)

// Identity is the authenticated principal owning a connection. The zero value is the
// anonymous identity.
type Identity struct {
	UserID      int64  `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// Anonymous is the identity of a caller without a valid credential
var Anonymous = Identity{}

// IsAuthenticated whether the identity refers to a real user
func (i Identity) IsAuthenticated() bool {
	return i.UserID > 0
}

// IsAdmin whether the identity receives admin broadcasts
func (i Identity) IsAdmin() bool {
	return i.IsStaff || i.IsSuperuser
}

// IsInstructor whether the identity teaches courses
func (i Identity) IsInstructor() bool {
	return i.Role == RoleInstructor || i.IsStaff
}
