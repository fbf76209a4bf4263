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

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

/*
DefineRoutes mount the websocket and REST end-points

Access logging only wraps the REST routes. A websocket request is logged once the
session is closed, which would make the log line useless.

	@param pathPrefix string - end-point path prefix
	@param wsHandler APIWebSocketHandler - websocket end-points
	@param notifyHandler APIRestNotifyHandler - REST end-points
*/
func DefineRoutes(
	pathPrefix string, wsHandler APIWebSocketHandler, notifyHandler APIRestNotifyHandler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Websocket
	wsRouter := mainRouter.PathPrefix("/ws").Subrouter()
	wsRouter.Methods("get").Path("/notifications/").HandlerFunc(wsHandler.NotificationsHandler())
	wsRouter.Methods("get").Path("/notifications/{userID:[0-9]+}/").HandlerFunc(
		wsHandler.NotificationsHandler(),
	)
	wsRouter.Methods("get").Path("/dashboard/{userID:[0-9]+}/").HandlerFunc(
		wsHandler.DashboardHandler(),
	)

	// REST
	restRouter := mainRouter.PathPrefix("/v1").Subrouter()
	_ = RegisterPathPrefix(restRouter, "/notify/user/{userID:[0-9]+}", MethodHandlers{
		"post": notifyHandler.NotifyUserHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/notify/course/{courseID:[0-9]+}", MethodHandlers{
		"post": notifyHandler.NotifyCourseHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/notify/admin", MethodHandlers{
		"post": notifyHandler.NotifyAdminHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/alive", MethodHandlers{
		"get": notifyHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/ready", MethodHandlers{
		"get": notifyHandler.ReadyHandler(),
	})

	// Add logging
	restRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(notifyHandler, next)
	})

	return router
}
