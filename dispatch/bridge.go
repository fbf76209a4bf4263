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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/core"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// defineEnvelopeSubject helper function to define a NATs subject for an envelope
func defineEnvelopeSubject(prefix string, envelope common.Envelope) string {
	return fmt.Sprintf("%s.%s.%s", prefix, envelope.Kind, envelope.Topic.Subject())
}

// ClusterBridge shares fan-out between gateway instances through NATs subjects.
//
// Publishing through the bridge broadcasts the envelope to every instance, including this
// one; each instance then delivers it to its own subscribers.
type ClusterBridge interface {
	Publisher
	// Subscribe start receiving envelopes from the cluster, until the bridge context ends
	Subscribe(wg *sync.WaitGroup) error
}

// natsBridge implements ClusterBridge
type natsBridge struct {
	common.Component
	prefix       string
	nats         *core.NatsClient
	local        Dispatcher
	subscribed   bool
	subscription *nats.Subscription
	lock         *sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetNATSBridge define a ClusterBridge handing received envelopes to the local dispatcher
func GetNATSBridge(
	opContext context.Context, natsClient *core.NatsClient, prefix string, local Dispatcher,
) (ClusterBridge, error) {
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "nats-bridge",
		"prefix":    prefix,
	}
	validate := validator.New()
	if err := validate.Var(prefix, "required,alphanum"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
		return nil, err
	}
	return &natsBridge{
		Component:    common.Component{LogTags: logTags},
		prefix:       prefix,
		nats:         natsClient,
		local:        local,
		subscribed:   false,
		subscription: nil,
		lock:         new(sync.Mutex),
		validate:     validate,
		ctxt:         opContext,
	}, nil
}

// Publish broadcast a payload to every instance
func (b *natsBridge) Publish(
	ctx context.Context, topic common.Topic, kind common.EventKind, payload interface{},
) error {
	localLogTags := common.UpdateLogTags(ctx, b.LogTags)
	envelope, err := BuildEnvelope(topic, kind, payload)
	if err != nil {
		return err
	}
	if err := b.validate.Struct(&envelope); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Envelope invalid")
		return err
	}
	subject := defineEnvelopeSubject(b.prefix, envelope)
	msg, err := json.Marshal(&envelope)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", envelope)
		return err
	}
	if err := b.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to send %s on %s", envelope, subject,
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s on %s", envelope, subject)
	return nil
}

// Subscribe start receiving envelopes from the cluster
func (b *natsBridge) Subscribe(wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.subscribed {
		return fmt.Errorf("already subscribed to %s.>", b.prefix)
	}
	b.subscribed = true
	subject := fmt.Sprintf("%s.>", b.prefix)
	sub, err := b.nats.NATs().Subscribe(subject, func(msg *nats.Msg) {
		var envelope common.Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to read envelope on %s", msg.Subject,
			)
			return
		}
		if err := b.validate.Struct(&envelope); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to validate envelope on %s", msg.Subject,
			)
			return
		}
		log.WithFields(b.LogTags).Debugf("Received %s", envelope)
		if err := b.local.PublishEnvelope(b.ctxt, envelope); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Local fan-out of %s failed", envelope)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to subscribe to %s", subject)
		return err
	}
	b.subscription = sub
	// Un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-b.ctxt.Done()
		if err := b.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", subject,
			)
		}
		log.WithFields(b.LogTags).Infof("Unsubscribed from %s", subject)
	}()
	return nil
}
