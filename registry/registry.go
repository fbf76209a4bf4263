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
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
)

// Subscriber a fan-out destination, typically one open connection
type Subscriber interface {
	// ID unique ID of the subscriber
	ID() string
	// Deliver enqueue an envelope for the subscriber. Must not block.
	Deliver(envelope common.Envelope) error
}

// Registry tracks which subscribers belong to which topics
type Registry interface {
	/*
		Join add a subscriber to a topic. Joining twice is a no-op.

		 @param topic common.Topic - the topic
		 @param sub Subscriber - the subscriber
		 @return common.ErrRegistryUnavailable if the registry is not running
	*/
	Join(topic common.Topic, sub Subscriber) error
	// Leave remove a subscriber from a topic. Leaving a topic not joined is a no-op.
	Leave(topic common.Topic, sub Subscriber) error
	// LeaveAll remove a subscriber from every topic it joined, returning per topic failures
	LeaveAll(sub Subscriber) []error
	// Subscribers snapshot of the subscribers of a topic
	Subscribers(topic common.Topic) []Subscriber
	// TopicsOf the topics a subscriber currently belongs to
	TopicsOf(sub Subscriber) []common.Topic
	// Start accept joins
	Start()
	// Stop reject new joins. Existing membership is unaffected.
	Stop()
	// Available whether the registry accepts joins
	Available() bool
}

// memoryRegistry implements Registry in process memory
type memoryRegistry struct {
	common.Component
	lock     sync.RWMutex
	running  bool
	members  map[common.Topic]map[string]Subscriber
	topicsOf map[string]map[common.Topic]bool
}

// GetRegistry define a new in-memory group membership registry
func GetRegistry() Registry {
	logTags := log.Fields{"module": "registry", "component": "group-membership"}
	return &memoryRegistry{
		Component: common.Component{LogTags: logTags},
		members:   make(map[common.Topic]map[string]Subscriber),
		topicsOf:  make(map[string]map[common.Topic]bool),
	}
}

// Start accept joins
func (r *memoryRegistry) Start() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.running = true
	log.WithFields(r.LogTags).Info("Registry started")
}

// Stop reject new joins
func (r *memoryRegistry) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.running = false
	log.WithFields(r.LogTags).Info("Registry stopped")
}

// Available whether the registry accepts joins
func (r *memoryRegistry) Available() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.running
}

// Join add a subscriber to a topic
func (r *memoryRegistry) Join(topic common.Topic, sub Subscriber) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.running {
		return common.ErrRegistryUnavailable
	}
	subs, ok := r.members[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		r.members[topic] = subs
	}
	subs[sub.ID()] = sub
	topics, ok := r.topicsOf[sub.ID()]
	if !ok {
		topics = make(map[common.Topic]bool)
		r.topicsOf[sub.ID()] = topics
	}
	topics[topic] = true
	log.WithFields(r.LogTags).Debugf("%s joined %s", sub.ID(), topic)
	return nil
}

// leave remove one membership. Caller holds the lock.
func (r *memoryRegistry) leave(topic common.Topic, subID string) {
	if subs, ok := r.members[topic]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.members, topic)
		}
	}
	if topics, ok := r.topicsOf[subID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.topicsOf, subID)
		}
	}
}

// Leave remove a subscriber from a topic
func (r *memoryRegistry) Leave(topic common.Topic, sub Subscriber) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.leave(topic, sub.ID())
	log.WithFields(r.LogTags).Debugf("%s left %s", sub.ID(), topic)
	return nil
}

// LeaveAll remove a subscriber from every topic it joined
func (r *memoryRegistry) LeaveAll(sub Subscriber) []error {
	return LeaveEach(r, sub)
}

/*
LeaveEach remove a subscriber from its topics one at a time

A failure to leave one topic does not stop the others from being attempted.

	@param members Registry - the registry
	@param sub Subscriber - the departing subscriber
	@return the per topic failures
*/
func LeaveEach(members Registry, sub Subscriber) []error {
	errs := []error{}
	for _, topic := range members.TopicsOf(sub) {
		if err := members.Leave(topic, sub); err != nil {
			log.WithError(err).Errorf("%s failed to leave %s", sub.ID(), topic)
			errs = append(errs, err)
		}
	}
	return errs
}

// Subscribers snapshot of the subscribers of a topic
func (r *memoryRegistry) Subscribers(topic common.Topic) []Subscriber {
	r.lock.RLock()
	defer r.lock.RUnlock()
	subs := r.members[topic]
	result := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub)
	}
	return result
}

// TopicsOf the topics a subscriber currently belongs to, sorted
func (r *memoryRegistry) TopicsOf(sub Subscriber) []common.Topic {
	r.lock.RLock()
	defer r.lock.RUnlock()
	topics := r.topicsOf[sub.ID()]
	result := make([]common.Topic, 0, len(topics))
	for topic := range topics {
		result = append(result, topic)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
