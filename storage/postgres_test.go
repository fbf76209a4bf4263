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

package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres tests need a Docker daemon. Set UNIT_TEST_SKIP_DOCKER to skip them.
func TestPostgresMarkRead(t *testing.T) {
	if os.Getenv("UNIT_TEST_SKIP_DOCKER") != "" {
		t.Skip("docker based tests disabled")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Minute*2)
	defer cancel()

	container, err := postgres.Run(utCtxt,
		"postgres:16-alpine",
		postgres.WithDatabase("lmsnotify"),
		postgres.WithUsername("lmsnotify"),
		postgres.WithPassword("lmsnotify"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() {
		assert.Nil(container.Terminate(context.Background()))
	}()
	dsn, err := container.ConnectionString(utCtxt, "sslmode=disable")
	assert.Nil(err)

	// Both Postgres drivers must work against the same schema
	for idx, driver := range []string{DriverPGX, DriverPostgres} {
		cfg := common.StorageConfig{Driver: driver, DSN: dsn, MaxOpenConns: 4}
		db, err := Open(utCtxt, cfg)
		assert.Nil(err)
		if idx == 0 {
			assert.Nil(Migrate(utCtxt, db, driver, "up"))
		}
		uut, err := GetSQLStore(db, driver)
		assert.Nil(err)

		owner, err := uut.CreateUser(utCtxt, User{
			Email: driver + "-owner@example.com", IsActive: true,
		})
		assert.Nil(err)
		other, err := uut.CreateUser(utCtxt, User{
			Email: driver + "-other@example.com", IsActive: true,
		})
		assert.Nil(err)
		notification, err := uut.CreateNotification(utCtxt, owner.ID, "hello")
		assert.Nil(err)

		// Case 0: foreign user
		{
			err := uut.MarkRead(utCtxt, other.ID, notification.ID)
			assert.True(errors.Is(err, common.ErrNotFound))
		}

		// Case 1: concurrent mark read by owner
		{
			wg := sync.WaitGroup{}
			results := make(chan error, 8)
			for itr := 0; itr < 8; itr++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- uut.MarkRead(utCtxt, owner.ID, notification.ID)
				}()
			}
			wg.Wait()
			close(results)
			for err := range results {
				assert.Nil(err)
			}
			read, err := uut.GetForUser(utCtxt, owner.ID, notification.ID)
			assert.Nil(err)
			assert.True(read.IsRead)
			count, err := uut.CountUnread(utCtxt, owner.ID)
			assert.Nil(err)
			assert.Equal(0, count)
		}

		assert.Nil(uut.Close())
	}
}
