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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/core"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNATSBridge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "dispatch_test",
		"component": "NATSBridge",
		"instance":  "basic",
	}

	natsParam := core.NATSConnectParams{
		ServerURI:           common.GetUnitTestNatsURI(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}
	client, err := core.GetNATSClient(natsParam)
	if err != nil {
		t.Skipf("NATS server not reachable at %s: %v", natsParam.ServerURI, err)
	}
	defer client.Close(utCtxt)

	// Two gateway instances sharing the cluster
	type instance struct {
		members    registry.Registry
		dispatcher Dispatcher
		bridge     ClusterBridge
	}
	instances := make([]instance, 2)
	for idx := range instances {
		members := registry.GetRegistry()
		members.Start()
		dispatcher, err := GetDispatcher(utCtxt, members, 16)
		assert.Nil(err)
		assert.Nil(dispatcher.Start(&wg))
		bridge, err := GetNATSBridge(utCtxt, &client, "lmsnotifyut", dispatcher)
		assert.Nil(err)
		assert.Nil(bridge.Subscribe(&wg))
		instances[idx] = instance{members: members, dispatcher: dispatcher, bridge: bridge}
	}

	// Case 0: subscribing twice
	{
		assert.NotNil(instances[0].bridge.Subscribe(&wg))
	}

	// Case 1: invalid prefix
	{
		_, err := GetNATSBridge(utCtxt, &client, "bad.prefix", instances[0].dispatcher)
		assert.NotNil(err)
	}

	sub0 := newQueueSubscriber(4)
	sub1 := newQueueSubscriber(4)
	assert.Nil(instances[0].members.Join(common.UserTopic(42), sub0))
	assert.Nil(instances[1].members.Join(common.UserTopic(42), sub1))

	// Case 2: publish on one instance reaches subscribers of both
	{
		assert.Nil(instances[1].bridge.Publish(
			utCtxt, common.UserTopic(42), common.EventNotification, map[string]int{"id": 5},
		))
		for _, sub := range []*queueSubscriber{sub0, sub1} {
			envelope, ok := sub.next(time.Second * 2)
			assert.True(ok)
			assert.Equal(common.UserTopic(42), envelope.Topic)
			assert.JSONEq(`{"id": 5}`, string(envelope.Payload))
		}
	}

	// Case 3: other topics are not delivered
	{
		assert.Nil(instances[0].bridge.Publish(
			utCtxt, common.UserTopic(43), common.EventNotification, map[string]int{"id": 6},
		))
		_, ok := sub0.next(time.Millisecond * 200)
		assert.False(ok)
		_, ok = sub1.next(time.Millisecond * 200)
		assert.False(ok)
	}

	for _, inst := range instances {
		assert.Nil(inst.dispatcher.Stop())
	}
	utCtxtCancel()
}
