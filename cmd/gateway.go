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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/apis"
	"github.com/datapundits/lmsnotify/auth"
	"github.com/datapundits/lmsnotify/common"
	"github.com/datapundits/lmsnotify/core"
	"github.com/datapundits/lmsnotify/dashboard"
	"github.com/datapundits/lmsnotify/dispatch"
	"github.com/datapundits/lmsnotify/gateway"
	"github.com/datapundits/lmsnotify/registry"
	"github.com/datapundits/lmsnotify/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// openStore open the database, applying migrations if so configured
func openStore(
	runTimeContext context.Context, config common.StorageConfig, logTags log.Fields,
) (storage.Store, error) {
	db, err := storage.Open(runTimeContext, config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open %s database", config.Driver)
		return nil, err
	}
	if config.AutoMigrate {
		if err := storage.Migrate(runTimeContext, db, config.Driver, "up"); err != nil {
			log.WithError(err).WithFields(logTags).Error("Schema migration failed")
			_ = db.Close()
			return nil, err
		}
	}
	store, err := storage.GetSQLStore(db, config.Driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// RunGatewayServer run the websocket gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	store, err := openStore(runTimeContext, config.Storage, logTags)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close database")
		}
	}()

	// -------------------------------------------------------------------
	// Fan-out

	members := registry.GetRegistry()
	members.Start()
	defer members.Stop()

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	dispatcher, err := dispatch.GetDispatcher(localCtxt, members, config.Dispatch.QueueDepth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}
	if err := dispatcher.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatcher")
		return err
	}
	defer func() {
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop dispatcher")
		}
	}()

	var publisher dispatch.Publisher = dispatcher
	if config.Cluster != nil {
		natsClient, err := core.GetNATSClient(core.ConnectParamsFromConfig(*config.Cluster))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Cluster.ServerURI,
			)
			return err
		}
		defer natsClient.Close(context.Background())
		bridge, err := dispatch.GetNATSBridge(
			localCtxt, &natsClient, config.Cluster.SubjectPrefix, dispatcher,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
			return err
		}
		if err := bridge.Subscribe(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to subscribe NATS bridge")
			return err
		}
		publisher = bridge
	}

	// -------------------------------------------------------------------
	// Gateway

	resolver, err := auth.GetIdentityResolver(config.Auth, store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity resolver")
		return err
	}
	aggregator, err := dashboard.GetAggregator(store, config.Dashboard)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dashboard aggregator")
		return err
	}
	sessions, err := gateway.GetGateway(localCtxt, members, config.Gateway.WebSocket)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return err
	}
	sessions.SetStateObserver(func(sessionID string, state gateway.ConnState) {
		log.WithFields(logTags).WithField("session", sessionID).Debugf("Session now %s", state)
	})

	httpConfig := &config.Gateway.HTTPSetting
	wsHandler, err := apis.GetAPIWebSocketHandler(
		resolver,
		sessions,
		gateway.NotificationsEndpoint(store, store, config.Topics),
		gateway.DashboardEndpoint(aggregator, config.Dashboard),
		httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}
	notifyHandler, err := apis.GetAPIRestNotifyHandler(store, members, publisher, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineRoutes(config.Gateway.Endpoints.PathPrefix, wsHandler, notifyHandler)
	serverCfg := httpConfig.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		// Upgraded connections are not tracked by the HTTP server. Wait for every session
		// to tear down before the store and registry go away.
		if err := sessions.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Sessions did not close in time")
		}
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
