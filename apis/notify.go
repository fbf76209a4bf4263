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

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/dispatch"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// APIRestNotifyHandler REST handler for publishing notifications
type APIRestNotifyHandler struct {
	RestAPIHandler
	store     storage.Store
	members   registry.Registry
	publisher dispatch.Publisher
	validate  *validator.Validate
}

/*
GetAPIRestNotifyHandler define APIRestNotifyHandler

	@param store storage.Store - notification records
	@param members registry.Registry - the group membership registry
	@param publisher dispatch.Publisher - fan-out to the connected users
	@param httpConfig *common.HTTPConfig - HTTP API config
*/
func GetAPIRestNotifyHandler(
	store storage.Store,
	members registry.Registry,
	publisher dispatch.Publisher,
	httpConfig *common.HTTPConfig,
) (APIRestNotifyHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "notify",
	}
	return APIRestNotifyHandler{
		RestAPIHandler: newRestAPIHandler(logTags, httpConfig.Logging),
		store:          store,
		members:        members,
		publisher:      publisher,
		validate:       validator.New(),
	}, nil
}

// APIRestReqNotify notification publish request
type APIRestReqNotify struct {
	// Message is the notification text
	Message string `json:"message" validate:"required,max=1024"`
}

// APIRestRespNotification response carrying the recorded notification
type APIRestRespNotification struct {
	RestAPIBaseResponse
	// Notification is the recorded notification
	Notification storage.Notification `json:"notification"`
}

// Announcement ephemeral message published to a course or to the admins
type Announcement struct {
	Message   string    `json:"message"`
	CourseID  int64     `json:"course_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// respond write the response, logging any failure
func (h APIRestNotifyHandler) respond(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error("Failed to form response")
	}
}

// parseNotifyRequest decode and validate the request body
func (h APIRestNotifyHandler) parseNotifyRequest(r *http.Request) (APIRestReqNotify, error) {
	var params APIRestReqNotify
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return params, err
	}
	return params, h.validate.Struct(&params)
}

// parsePathID read a positive ID path variable
// storeFailureStatus HTTP status reporting a failed store call
func storeFailureStatus(err error) int {
	if common.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parsePathID(r *http.Request, name string) (int64, error) {
	raw, ok := mux.Vars(r)[name]
	if !ok {
		return 0, fmt.Errorf("no %s provided", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s '%s'", name, raw)
	}
	return id, nil
}

// NotifyUser godoc
// @Summary Notify a user
// @Description Record a notification for a user, and push it to the user's open connections
// @tags Notify
// @Accept json
// @Produce json
// @Param LMS-Request-ID header string false "User provided request ID to match against logs"
// @Param userID path int true "Recipient"
// @Param message body APIRestReqNotify true "Notification"
// @Success 200 {object} APIRestRespNotification "success"
// @Failure 400 {object} RestAPIBaseResponse "error"
// @Failure 404 {object} RestAPIBaseResponse "error"
// @Failure 500 {object} RestAPIBaseResponse "error"
// @Failure 503 {object} RestAPIBaseResponse "error"
// @Router /v1/notify/user/{userID} [post]
func (h APIRestNotifyHandler) NotifyUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	userID, err := parsePathID(r, "userID")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	params, err := h.parseNotifyRequest(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}

	if _, err := h.store.GetUser(r.Context(), userID); err != nil {
		respCode := storeFailureStatus(err)
		msg := "Failed to look up recipient"
		if errors.Is(err, common.ErrNotFound) {
			respCode = http.StatusNotFound
			msg = "Unknown recipient"
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()))
		return
	}

	notification, err := h.store.CreateNotification(r.Context(), userID, params.Message)
	if err != nil {
		msg := "Failed to record notification"
		respCode := storeFailureStatus(err)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()))
		return
	}

	// The record is the source of truth. A failed push is only logged.
	if err := h.publisher.Publish(
		r.Context(), common.UserTopic(userID), common.EventNotification, notification,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to push notification %d to user %d", notification.ID, userID,
		)
	}

	h.respond(w, r, http.StatusOK, APIRestRespNotification{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Notification:        notification,
	})
}

// NotifyUserHandler Wrapper around NotifyUser
func (h APIRestNotifyHandler) NotifyUserHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.NotifyUser(w, r)
	})
}

// announce publish an ephemeral announcement to a topic
func (h APIRestNotifyHandler) announce(
	w http.ResponseWriter, r *http.Request, topic common.Topic, courseID int64,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	params, err := h.parseNotifyRequest(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	announcement := Announcement{
		Message: params.Message, CourseID: courseID, CreatedAt: time.Now().UTC(),
	}
	if err := h.publisher.Publish(
		r.Context(), topic, common.EventAnnouncement, announcement,
	); err != nil {
		msg := fmt.Sprintf("Unable to publish announcement to %s", topic)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.respond(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// NotifyCourse godoc
// @Summary Announce to a course
// @Description Push an ephemeral announcement to everyone actively enrolled in a course
// @tags Notify
// @Accept json
// @Produce json
// @Param LMS-Request-ID header string false "User provided request ID to match against logs"
// @Param courseID path int true "Course"
// @Param message body APIRestReqNotify true "Announcement"
// @Success 200 {object} RestAPIBaseResponse "success"
// @Failure 400 {object} RestAPIBaseResponse "error"
// @Failure 500 {object} RestAPIBaseResponse "error"
// @Router /v1/notify/course/{courseID} [post]
func (h APIRestNotifyHandler) NotifyCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := parsePathID(r, "courseID")
	if err != nil {
		msg := "Invalid course ID"
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
		h.respond(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	h.announce(w, r, common.CourseTopic(courseID), courseID)
}

// NotifyCourseHandler Wrapper around NotifyCourse
func (h APIRestNotifyHandler) NotifyCourseHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.NotifyCourse(w, r)
	})
}

// NotifyAdmin godoc
// @Summary Announce to the admins
// @Description Push an ephemeral announcement to every connected staff member
// @tags Notify
// @Accept json
// @Produce json
// @Param LMS-Request-ID header string false "User provided request ID to match against logs"
// @Param message body APIRestReqNotify true "Announcement"
// @Success 200 {object} RestAPIBaseResponse "success"
// @Failure 400 {object} RestAPIBaseResponse "error"
// @Failure 500 {object} RestAPIBaseResponse "error"
// @Router /v1/notify/admin [post]
func (h APIRestNotifyHandler) NotifyAdmin(w http.ResponseWriter, r *http.Request) {
	h.announce(w, r, common.AdminTopic, 0)
}

// NotifyAdminHandler Wrapper around NotifyAdmin
func (h APIRestNotifyHandler) NotifyAdminHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.NotifyAdmin(w, r)
	})
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary REST API liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestNotifyHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestNotifyHandler) AliveHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready godoc
// @Summary REST API readiness check
// @Description Will return success if the database is reachable and the registry accepts joins
// @tags Health
// @Produce json
// @Success 200 {object} RestAPIBaseResponse "success"
// @Failure 500 {object} RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestNotifyHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.store.Ping(r.Context()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Database unreachable")
		h.respond(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	if !h.members.Available() {
		h.respond(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, common.ErrRegistryUnavailable.Error(),
		))
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestNotifyHandler) ReadyHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
