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
	"net/http"
	"strconv"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/auth"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/gateway"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIWebSocketHandler upgrades websocket requests and hands them to the gateway
type APIWebSocketHandler struct {
	RestAPIHandler
	resolver      auth.IdentityResolver
	gateway       gateway.Gateway
	notifications gateway.Endpoint
	dashboards    gateway.Endpoint
	upgrader      websocket.Upgrader
}

/*
GetAPIWebSocketHandler define APIWebSocketHandler

	@param resolver auth.IdentityResolver - resolves the access token of a request
	@param gw gateway.Gateway - runs the upgraded sessions
	@param notifications gateway.Endpoint - the notifications end-point type
	@param dashboards gateway.Endpoint - the dashboard end-point type
	@param httpConfig *common.HTTPConfig - HTTP API config
*/
func GetAPIWebSocketHandler(
	resolver auth.IdentityResolver,
	gw gateway.Gateway,
	notifications gateway.Endpoint,
	dashboards gateway.Endpoint,
	httpConfig *common.HTTPConfig,
) (APIWebSocketHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket",
	}
	return APIWebSocketHandler{
		RestAPIHandler: newRestAPIHandler(logTags, httpConfig.Logging),
		resolver:       resolver,
		gateway:        gw,
		notifications:  notifications,
		dashboards:     dashboards,
		upgrader: websocket.Upgrader{
			// Sessions authenticate with a token, not with cookies
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// serve resolve the caller, upgrade, then run the session until it closes
func (h APIWebSocketHandler) serve(w http.ResponseWriter, r *http.Request, endpoint gateway.Endpoint) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	req := gateway.ConnectRequest{}
	if raw, ok := mux.Vars(r)["userID"]; ok {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			msg := "Invalid user ID"
			log.WithFields(localLogTags).Errorf("%s: '%s'", msg, raw)
			if err := h.WriteRESTResponse(
				w, http.StatusBadRequest,
				h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, raw), nil,
			); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
			}
			return
		}
		req.PathUserID = &userID
	}
	req.Identity, req.ResolveErr = h.resolver.Resolve(r.Context(), auth.TokenFromRequest(r))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	h.gateway.Serve(r.Context(), conn, req, endpoint)
}

// Notifications godoc
// @Summary Notification stream
// @Description Websocket pushing notifications and announcements, accepting read marks
// @tags Gateway
// @Param token query string true "Access token"
// @Router /ws/notifications/ [get]
func (h APIWebSocketHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.notifications)
}

// NotificationsHandler Wrapper around Notifications
func (h APIWebSocketHandler) NotificationsHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Notifications(w, r)
	})
}

// Dashboard godoc
// @Summary Dashboard stream
// @Description Websocket pushing dashboard snapshots of the path user
// @tags Gateway
// @Param token query string true "Access token"
// @Param userID path int true "Dashboard owner"
// @Router /ws/dashboard/{userID}/ [get]
func (h APIWebSocketHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.dashboards)
}

// DashboardHandler Wrapper around Dashboard
func (h APIWebSocketHandler) DashboardHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Dashboard(w, r)
	})
}
