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
	"embed"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/datapundits/lmsnotify/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationFS embed.FS

// Supported database/sql driver names
const (
	DriverPGX      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// isPostgres whether the driver talks to Postgres
func isPostgres(driver string) bool {
	return driver == DriverPGX || driver == DriverPostgres
}

// migrationDialect the goose dialect and migration directory for a driver
func migrationDialect(driver string) (string, string, error) {
	switch driver {
	case DriverPGX, DriverPostgres:
		return "postgres", "migrations/postgres", nil
	case DriverSQLite:
		return "sqlite3", "migrations/sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported storage driver '%s'", driver)
	}
}

// Open connect to the database described by the storage config
func Open(ctxt context.Context, cfg common.StorageConfig) (*sqlx.DB, error) {
	logTags := log.Fields{"module": "storage", "component": "db", "instance": cfg.Driver}
	if _, _, err := migrationDialect(cfg.Driver); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", cfg.Driver)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetime))
	}
	if err := ping(ctxt, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to database")
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(ctxt context.Context, db *sqlx.DB) error {
	var err error
	maxAttempts := 10
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		if err = db.PingContext(ctxt); err == nil {
			return nil
		}
		select {
		case <-ctxt.Done():
			return errors.Wrap(ctxt.Err(), "DB ping aborted")
		case <-time.After(time.Duration(attempts) * 100 * time.Millisecond):
		}
	}
	return errors.Wrap(err, "DB ping timeout")
}

/*
Migrate run a goose migration command against the database

	@param ctxt context.Context - execution context
	@param db *sqlx.DB - the database
	@param driver string - the database/sql driver the database was opened with
	@param command string - goose command: up, down, status, version, redo, reset
*/
func Migrate(ctxt context.Context, db *sqlx.DB, driver string, command string) error {
	dialect, dir, err := migrationDialect(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrapf(err, "selecting migration dialect %s", dialect)
	}
	if err := goose.RunContext(ctxt, command, db.DB, dir); err != nil {
		return errors.Wrapf(err, "migration '%s' failed", command)
	}
	return nil
}
