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
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/dashboard"
)

// dashboardEndpoint pushes dashboard snapshots
type dashboardEndpoint struct {
	aggregator      dashboard.Aggregator
	refreshInterval time.Duration
}

/*
DashboardEndpoint define the dashboard end-point type

A session receives a snapshot once OPEN, on request, whenever something is published
to the user's topic, and periodically if a refresh interval is configured.

	@param aggregator dashboard.Aggregator - snapshot builder
	@param cfg common.DashboardConfig - dashboard parameters
*/
func DashboardEndpoint(aggregator dashboard.Aggregator, cfg common.DashboardConfig) Endpoint {
	return &dashboardEndpoint{
		aggregator:      aggregator,
		refreshInterval: time.Second * time.Duration(cfg.RefreshInterval),
	}
}

func (e *dashboardEndpoint) Name() string {
	return "dashboard"
}

func (e *dashboardEndpoint) Topics(_ context.Context, identity common.Identity) []common.Topic {
	return []common.Topic{common.UserTopic(identity.UserID)}
}

func (e *dashboardEndpoint) NewProtocol() Protocol {
	return &dashboardProtocol{
		aggregator:      e.aggregator,
		refreshInterval: e.refreshInterval,
		refresh:         make(chan bool, 1),
	}
}

type dashboardProtocol struct {
	aggregator      dashboard.Aggregator
	refreshInterval time.Duration
	refresh         chan bool
	timer           common.IntervalTimer
}

// requestRefresh a pending refresh absorbs further requests
func (p *dashboardProtocol) requestRefresh() {
	select {
	case p.refresh <- true:
	default:
	}
}

func (p *dashboardProtocol) pushSnapshot(ctx context.Context, session *Session) {
	snapshot := p.aggregator.BuildSnapshot(ctx, session.Identity())
	if ctx.Err() != nil {
		return
	}
	if snapshot.Degraded() {
		log.WithFields(session.LogTags).Warnf("Sending degraded snapshot: %v", snapshot.Errors)
	}
	update := common.DashboardUpdate{Type: common.MsgTypeDashboardUpdate, Payload: snapshot}
	if err := session.Send(update); err != nil {
		log.WithError(err).WithFields(session.LogTags).Error("Failed to send dashboard update")
	}
}

func (p *dashboardProtocol) OnOpen(ctx context.Context, session *Session) error {
	wg := session.WaitGroup()
	if p.refreshInterval > 0 {
		timer, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("dashboard-%s", session.ID()), ctx, wg,
		)
		if err != nil {
			return err
		}
		p.timer = timer
		if err := timer.Start(p.refreshInterval, func() error {
			p.requestRefresh()
			return nil
		}, false); err != nil {
			return err
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.refresh:
				p.pushSnapshot(ctx, session)
			}
		}
	}()
	p.requestRefresh()
	return nil
}

func (p *dashboardProtocol) OnMessage(
	ctx context.Context, session *Session, msg common.InboundMessage,
) {
	switch msg.(type) {
	case common.RequestUpdate:
		p.pushSnapshot(ctx, session)
	case common.Heartbeat:
		if err := session.Send(common.HeartbeatResponse{Type: common.MsgTypeHeartbeatResponse}); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Failed to answer heartbeat")
		}
	default:
		log.WithFields(session.LogTags).Debugf("Unsupported message type '%s'", msg.MessageType())
		session.SendError(common.KindMalformed, "Unknown message type")
	}
}

func (p *dashboardProtocol) OnEnvelope(_ *Session, _ common.Envelope) error {
	p.requestRefresh()
	return nil
}

func (p *dashboardProtocol) OnClose(session *Session) {
	if p.timer != nil {
		if err := p.timer.Stop(); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Failed to stop refresh timer")
		}
	}
}
