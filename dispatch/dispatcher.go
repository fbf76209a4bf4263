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
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Publisher fans out a payload to the subscribers of a topic
type Publisher interface {
	/*
		Publish send a payload to every current subscriber of a topic.

		Fire-and-forget: returns once the payload is queued for fan-out, without waiting
		for queue space. Delivery is at-most-once, and nothing is kept for subscribers
		that are not connected.

		 @param ctx context.Context - execution context
		 @param topic common.Topic - the topic
		 @param kind common.EventKind - type of payload
		 @param payload interface{} - JSON serializable payload
	*/
	Publish(ctx context.Context, topic common.Topic, kind common.EventKind, payload interface{}) error
}

// Dispatcher delivers envelopes to the local subscribers of their topic
type Dispatcher interface {
	Publisher
	// PublishEnvelope queue an already built envelope for fan-out
	PublishEnvelope(ctx context.Context, envelope common.Envelope) error
	// Start begin processing queued envelopes
	Start(wg *sync.WaitGroup) error
	// Stop stop processing queued envelopes
	Stop() error
}

// BuildEnvelope serialize a payload into an envelope
func BuildEnvelope(
	topic common.Topic, kind common.EventKind, payload interface{},
) (common.Envelope, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		serialized, err := json.Marshal(payload)
		if err != nil {
			return common.Envelope{}, errors.Wrapf(err, "serializing %s payload for %s", kind, topic)
		}
		raw = serialized
	}
	return common.Envelope{
		Topic: topic, Kind: kind, Payload: raw, PublishedAt: time.Now().UTC(),
	}, nil
}

// localDispatcher implements Dispatcher over a registry
type localDispatcher struct {
	common.Component
	registry registry.Registry
	tp       common.TaskProcessor
	validate *validator.Validate
}

// GetDispatcher define a new dispatcher fanning out to the registry's subscribers
func GetDispatcher(
	ctxt context.Context, members registry.Registry, queueDepth int,
) (Dispatcher, error) {
	logTags := log.Fields{"module": "dispatch", "component": "dispatcher"}
	tp, err := common.GetNewTaskProcessorInstance("dispatcher", queueDepth, ctxt)
	if err != nil {
		return nil, err
	}
	instance := &localDispatcher{
		Component: common.Component{LogTags: logTags},
		registry:  members,
		tp:        tp,
		validate:  validator.New(),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(fanOutReq{}), instance.processFanOutRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin processing queued envelopes
func (d *localDispatcher) Start(wg *sync.WaitGroup) error {
	return d.tp.StartEventLoop(wg)
}

// Stop stop processing queued envelopes
func (d *localDispatcher) Stop() error {
	return d.tp.StopEventLoop()
}

// Publish send a payload to every current subscriber of a topic
func (d *localDispatcher) Publish(
	ctx context.Context, topic common.Topic, kind common.EventKind, payload interface{},
) error {
	envelope, err := BuildEnvelope(topic, kind, payload)
	if err != nil {
		return err
	}
	return d.PublishEnvelope(ctx, envelope)
}

// ----------------------------------------------------------------------------------------

type fanOutReq struct {
	envelope common.Envelope
	logTags  log.Fields
}

// PublishEnvelope queue an already built envelope for fan-out
func (d *localDispatcher) PublishEnvelope(ctx context.Context, envelope common.Envelope) error {
	logTags := common.UpdateLogTags(ctx, d.LogTags)
	if err := d.validate.Struct(&envelope); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Envelope %s is not valid", envelope)
		return err
	}
	if _, err := common.ParseTopic(string(envelope.Topic)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Envelope %s has invalid topic", envelope)
		return err
	}
	// Fire and forget. A backed up fan-out loop drops the envelope.
	if err := d.tp.TrySubmit(fanOutReq{envelope: envelope, logTags: logTags}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Dropped %s before fan-out", envelope)
		return err
	}
	return nil
}

func (d *localDispatcher) processFanOutRequest(param interface{}) error {
	request, ok := param.(fanOutReq)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for fan-out", reflect.TypeOf(param))
	}
	d.ProcessFanOut(request.envelope, request.logTags)
	return nil
}

// ProcessFanOut deliver one envelope to the current subscribers of its topic. A subscriber
// which can not accept the envelope misses it; the others are unaffected.
func (d *localDispatcher) ProcessFanOut(envelope common.Envelope, logTags log.Fields) {
	subscribers := d.registry.Subscribers(envelope.Topic)
	if len(subscribers) == 0 {
		log.WithFields(logTags).Debugf("No subscribers for %s", envelope)
		return
	}
	delivered := 0
	for _, sub := range subscribers {
		if err := sub.Deliver(envelope); err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Dropped %s for %s", envelope, sub.ID())
			continue
		}
		delivered++
	}
	log.WithFields(logTags).Debugf(
		"Delivered %s to %d of %d subscribers", envelope, delivered, len(subscribers),
	)
}
