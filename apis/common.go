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
	"context"
	"encoding/json"
	"net/http"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultRequestIDHeader HTTP header carrying the request ID
const DefaultRequestIDHeader = "LMS-Request-ID"

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code   int    `json:"code"`
	Msg    string `json:"message,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// RestAPIBaseResponse standard REST API response
type RestAPIBaseResponse struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"request_id,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// RestAPIHandler base REST handler
type RestAPIHandler struct {
	common.Component
	// RequestIDHeader is the header carrying the request ID
	RequestIDHeader string
	// DoNotLogHeaders headers which are never logged
	DoNotLogHeaders map[string]bool
}

// newRestAPIHandler define the base REST handler from the HTTP logging config
func newRestAPIHandler(logTags log.Fields, cfg common.HTTPRequestLogging) RestAPIHandler {
	requestIDHeader := cfg.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = DefaultRequestIDHeader
	}
	doNotLog := map[string]bool{}
	for _, header := range cfg.DoNotLogHeaders {
		doNotLog[http.CanonicalHeaderKey(header)] = true
	}
	return RestAPIHandler{
		Component:       common.Component{LogTags: logTags},
		RequestIDHeader: requestIDHeader,
		DoNotLogHeaders: doNotLog,
	}
}

// GetLogTagsForContext log tags of the handler extended with the request parameters
func (h RestAPIHandler) GetLogTagsForContext(ctxt context.Context) log.Fields {
	return common.UpdateLogTags(ctxt, h.LogTags)
}

func requestIDOf(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// GetStdRESTSuccessMsg define a standard success message
func (h RestAPIHandler) GetStdRESTSuccessMsg(ctxt context.Context) RestAPIBaseResponse {
	return RestAPIBaseResponse{Success: true, RequestID: requestIDOf(ctxt)}
}

// GetStdRESTErrorMsg define a standard error message
func (h RestAPIHandler) GetStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) RestAPIBaseResponse {
	return RestAPIBaseResponse{
		Success:   false,
		RequestID: requestIDOf(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message, Detail: detail},
	}
}

// WriteRESTResponse write a REST response
func (h RestAPIHandler) WriteRESTResponse(
	w http.ResponseWriter, respCode int, resp interface{}, headers map[string]string,
) error {
	w.Header().Set("content-type", "application/json")
	for name, value := range headers {
		w.Header().Set(name, value)
	}
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// Write logging support
func (h RestAPIHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h RestAPIHandler) AttachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.RequestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.RequestIDHeader, reqID)
		// URI excludes the query string, which carries the access token
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.Path,
			},
		)
		headers := log.Fields{}
		for name, values := range r.Header {
			if !h.DoNotLogHeaders[http.CanonicalHeaderKey(name)] {
				headers[name] = values
			}
		}
		log.WithFields(h.GetLogTagsForContext(ctx)).WithField("headers", headers).Debug("New request")
		next(rw, r.WithContext(ctx))
	}
}
