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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: constructors
	{
		assert.Equal(Topic("user:42"), UserTopic(42))
		assert.Equal(Topic("course:7"), CourseTopic(7))
		assert.Equal(Topic("admin"), AdminTopic)
		assert.Equal(TopicKindUser, UserTopic(42).Kind())
		assert.Equal(TopicKindCourse, CourseTopic(7).Kind())
		assert.Equal(TopicKindAdmin, AdminTopic.Kind())
		id, ok := CourseTopic(7).ID()
		assert.True(ok)
		assert.Equal(int64(7), id)
		_, ok = AdminTopic.ID()
		assert.False(ok)
		assert.Equal("course.7", CourseTopic(7).Subject())
	}

	// Case 1: parse valid
	{
		topic, err := ParseTopic("user:0042")
		assert.Nil(err)
		assert.Equal(UserTopic(42), topic)
		topic, err = ParseTopic("admin")
		assert.Nil(err)
		assert.Equal(AdminTopic, topic)
	}

	// Case 2: parse invalid
	{
		for _, raw := range []string{"", "user", "user:", "user:abc", "group:1", "course:-1", "course:0"} {
			_, err := ParseTopic(raw)
			assert.NotNil(err, raw)
		}
	}
}

func TestIdentityRoles(t *testing.T) {
	assert := assert.New(t)

	assert.False(Anonymous.IsAuthenticated())
	student := Identity{UserID: 42, Role: RoleStudent}
	assert.True(student.IsAuthenticated())
	assert.False(student.IsAdmin())
	assert.False(student.IsInstructor())
	assert.True(Identity{UserID: 1, IsStaff: true}.IsAdmin())
	assert.True(Identity{UserID: 1, IsSuperuser: true}.IsAdmin())
	assert.True(Identity{UserID: 3, Role: RoleInstructor}.IsInstructor())
}
