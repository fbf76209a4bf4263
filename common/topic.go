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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TopicKind the type of fan-out key
type TopicKind string

const (
	// TopicKindUser per-user topic
	TopicKindUser TopicKind = "user"
	// TopicKindCourse per-course topic
	TopicKindCourse TopicKind = "course"
	// TopicKindAdmin global admin broadcast topic
	TopicKindAdmin TopicKind = "admin"
)

// Topic is a fan-out key: "user:<id>", "course:<id>" or "admin"
type Topic string

// AdminTopic is the global admin broadcast topic
const AdminTopic Topic = Topic(TopicKindAdmin)

// UserTopic define the per-user topic for a user
func UserTopic(userID int64) Topic {
	return Topic(fmt.Sprintf("%s:%d", TopicKindUser, userID))
}

// CourseTopic define the per-course topic for a course
func CourseTopic(courseID int64) Topic {
	return Topic(fmt.Sprintf("%s:%d", TopicKindCourse, courseID))
}

// ParseTopic parse and validate a topic string
func ParseTopic(raw string) (Topic, error) {
	if raw == string(AdminTopic) {
		return AdminTopic, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "", errors.Errorf("topic '%s' is not of form <kind>:<id>", raw)
	}
	switch TopicKind(parts[0]) {
	case TopicKindUser, TopicKindCourse:
	default:
		return "", errors.Errorf("topic '%s' has unknown kind '%s'", raw, parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", errors.Errorf("topic '%s' has invalid ID '%s'", raw, parts[1])
	}
	return Topic(fmt.Sprintf("%s:%d", parts[0], id)), nil
}

// Kind the topic type
func (t Topic) Kind() TopicKind {
	if t == AdminTopic {
		return TopicKindAdmin
	}
	return TopicKind(strings.SplitN(string(t), ":", 2)[0])
}

// ID the user / course ID the topic refers to. Returns false for the admin topic.
func (t Topic) ID() (int64, bool) {
	parts := strings.SplitN(string(t), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Subject the topic expressed as dot separated subject tokens
func (t Topic) Subject() string {
	return strings.ReplaceAll(string(t), ":", ".")
}

// String toString function
func (t Topic) String() string {
	return string(t)
}
