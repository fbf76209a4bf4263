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

package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigLoading(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("sqlite3", cfg.Storage.Driver)
		assert.Equal(uint16(8000), cfg.Gateway.HTTPSetting.Server.Port)
		assert.Equal("LMS-Request-ID", cfg.Gateway.HTTPSetting.Logging.RequestIDHeader)
		assert.Equal(5, cfg.Dashboard.RecentNotifications)
		assert.Equal(3, cfg.Dashboard.RecentEnrollments)
		assert.Nil(cfg.Cluster)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
gateway:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: pong timeout must exceed the ping interval
	{
		config := []byte(`---
gateway:
  websocket:
    ping_interval_sec: 30
    pong_timeout_sec: 20`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: unsupported storage driver
	{
		config := []byte(`---
storage:
  driver: mysql`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid cluster section
	{
		config := []byte(`---
cluster:
  server_uri: nats://127.0.0.1:4222
  connect_timeout_sec: 15
  reconnect:
    max_attempts: -1
    wait_interval_sec: 15
  subject_prefix: lmsnotify`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Cluster)
		assert.Equal("lmsnotify", cfg.Cluster.SubjectPrefix)
	}
}
