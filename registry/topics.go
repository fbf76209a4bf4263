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

package registry

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
)

// ActiveCourseSource lists the courses a user is actively enrolled in
type ActiveCourseSource interface {
	ActiveCoursesFor(ctx context.Context, userID int64) ([]int64, error)
}

/*
TopicsFor derive the topics an identity belongs to

The user's own topic always comes first, followed by the admin topic for staff or
superusers, then one topic per active course. Duplicate courses are dropped.

	@param identity common.Identity - an authenticated identity
	@param activeCourses []int64 - IDs of the courses the identity is actively enrolled in
*/
func TopicsFor(identity common.Identity, activeCourses []int64) []common.Topic {
	topics := []common.Topic{common.UserTopic(identity.UserID)}
	if identity.IsAdmin() {
		topics = append(topics, common.AdminTopic)
	}
	seen := map[int64]bool{}
	for _, courseID := range activeCourses {
		if courseID <= 0 || seen[courseID] {
			continue
		}
		seen[courseID] = true
		topics = append(topics, common.CourseTopic(courseID))
	}
	return topics
}

/*
CourseTopicsFor query the active courses of an identity, then derive its topics

The lookup runs once with a timeout. On failure the identity keeps its user and admin
topics only.

	@param ctx context.Context - execution context
	@param source ActiveCourseSource - the enrollment lookup
	@param identity common.Identity - an authenticated identity
	@param timeout time.Duration - max duration of the lookup
*/
func CourseTopicsFor(
	ctx context.Context,
	source ActiveCourseSource,
	identity common.Identity,
	timeout time.Duration,
) []common.Topic {
	logTags := common.UpdateLogTags(ctx, log.Fields{"module": "registry", "component": "topics"})
	lookupCtxt, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	courses, err := source.ActiveCoursesFor(lookupCtxt, identity.UserID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Failed to get active courses of user %d, skipping course topics", identity.UserID,
		)
		courses = nil
	}
	return TopicsFor(identity, courses)
}
