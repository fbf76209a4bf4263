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

package gateway

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/datapundits/lmsnotify/storage"
	"github.com/pkg/errors"
)

// notificationsEndpoint pushes notifications and announcements, and accepts read marks
type notificationsEndpoint struct {
	courses      registry.ActiveCourseSource
	readState    storage.ReadStateStore
	topicTimeout time.Duration
}

/*
NotificationsEndpoint define the notifications end-point type

	@param courses registry.ActiveCourseSource - active course lookup for topic derivation
	@param readState storage.ReadStateStore - read state transitions
	@param cfg common.TopicConfig - topic derivation parameters
*/
func NotificationsEndpoint(
	courses registry.ActiveCourseSource, readState storage.ReadStateStore, cfg common.TopicConfig,
) Endpoint {
	return &notificationsEndpoint{
		courses:      courses,
		readState:    readState,
		topicTimeout: time.Millisecond * time.Duration(cfg.QueryTimeout),
	}
}

func (e *notificationsEndpoint) Name() string {
	return "notifications"
}

func (e *notificationsEndpoint) Topics(ctx context.Context, identity common.Identity) []common.Topic {
	return registry.CourseTopicsFor(ctx, e.courses, identity, e.topicTimeout)
}

func (e *notificationsEndpoint) NewProtocol() Protocol {
	return &notificationsProtocol{readState: e.readState}
}

type notificationsProtocol struct {
	readState storage.ReadStateStore
}

func (p *notificationsProtocol) OnOpen(_ context.Context, _ *Session) error {
	return nil
}

func (p *notificationsProtocol) OnMessage(
	ctx context.Context, session *Session, msg common.InboundMessage,
) {
	switch m := msg.(type) {
	case common.MarkReadRequest:
		p.markRead(ctx, session, m.NotificationID)
	case common.Heartbeat:
		if err := session.Send(common.HeartbeatResponse{Type: common.MsgTypeHeartbeatResponse}); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Failed to answer heartbeat")
		}
	default:
		log.WithFields(session.LogTags).Debugf("Unsupported message type '%s'", msg.MessageType())
		session.SendError(common.KindMalformed, "Unknown message type")
	}
}

// markRead the reply is always sent. Failures only flip success to false.
func (p *notificationsProtocol) markRead(ctx context.Context, session *Session, notificationID int64) {
	success := true
	err := p.readState.MarkRead(ctx, session.Identity().UserID, notificationID)
	if err != nil {
		success = false
		switch {
		case errors.Is(err, common.ErrNotFound):
			log.WithFields(session.LogTags).Debugf(
				"Notification %d not found for user %d", notificationID, session.Identity().UserID,
			)
		case common.IsTransient(err):
			log.WithError(err).WithFields(session.LogTags).Warnf(
				"Unable to mark notification %d read for now", notificationID,
			)
		default:
			log.WithError(err).WithFields(session.LogTags).Errorf(
				"Failed to mark notification %d read", notificationID,
			)
		}
	}
	reply := common.MarkReadResponse{
		Type:           common.MsgTypeNotificationMarked,
		NotificationID: notificationID,
		Success:        success,
	}
	if err := session.Send(reply); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Failed to send read mark reply")
	}
}

func (p *notificationsProtocol) OnEnvelope(session *Session, envelope common.Envelope) error {
	return session.Send(common.NotificationPush{
		Type: common.MsgTypeNotification, Notification: envelope.Payload,
	})
}

func (p *notificationsProtocol) OnClose(_ *Session) {}
