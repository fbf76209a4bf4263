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

import "github.com/spf13/viper"

// ============================================================================
// Storage

// StorageConfig SQL storage connection parameters
type StorageConfig struct {
	// Driver is the database/sql driver name to use
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=pgx postgres sqlite3"`
	// DSN is the driver specific data source name
	DSN string `mapstructure:"dsn" json:"-" validate:"required"`
	// MaxOpenConns is the max number of open DB connections
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
	// ConnMaxLifetime is the max lifetime of a DB connection in seconds
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime_sec" json:"conn_max_lifetime_sec" validate:"gte=0"`
	// AutoMigrate whether to apply schema migrations on startup
	AutoMigrate bool `mapstructure:"auto_migrate" json:"auto_migrate"`
}

// ============================================================================
// Authentication

// AuthConfig bearer token parameters
type AuthConfig struct {
	// SigningKey is the HMAC key access tokens are signed with
	SigningKey string `mapstructure:"signing_key" json:"-" validate:"required,min=16"`
	// Issuer if set, the token "iss" claim must match this value
	Issuer string `mapstructure:"issuer" json:"issuer"`
	// AccessTokenTTL is the lifetime of minted access tokens in seconds
	AccessTokenTTL int `mapstructure:"access_token_ttl_sec" json:"access_token_ttl_sec" validate:"gte=1"`
}

// ============================================================================
// HTTP

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ============================================================================
// Gateway

// GatewayEndpointConfig end-point path configs for the gateway
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebSocketConfig per connection websocket parameters
type WebSocketConfig struct {
	// PingInterval is the interval between server pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is the max wait for any client frame (including pongs) in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
	// WriteTimeout is the deadline for writing one frame in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageSize is the max size of an inbound frame in bytes
	MaxMessageSize int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
	// OutboundQueueDepth is the number of outbound frames buffered per connection
	OutboundQueueDepth int `mapstructure:"outbound_queue_depth" json:"outbound_queue_depth" validate:"gte=1"`
}

// GatewayConfig the websocket gateway configs
type GatewayConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// WebSocket is the per connection websocket parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
}

// ============================================================================
// Fan-out

// DispatchConfig notification dispatcher parameters
type DispatchConfig struct {
	// QueueDepth is the number of publish requests buffered by the dispatcher
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// TopicConfig topic derivation parameters
type TopicConfig struct {
	// QueryTimeout is the max duration of the active course lookup in ms
	QueryTimeout int `mapstructure:"query_timeout_ms" json:"query_timeout_ms" validate:"gte=1"`
}

// DashboardConfig dashboard aggregator parameters
type DashboardConfig struct {
	// QueryTimeout is the max duration of each snapshot sub-query in ms
	QueryTimeout int `mapstructure:"query_timeout_ms" json:"query_timeout_ms" validate:"gte=1"`
	// RefreshInterval is the periodic snapshot push interval in seconds. 0 disables.
	RefreshInterval int `mapstructure:"refresh_interval_sec" json:"refresh_interval_sec" validate:"gte=0"`
	// RecentNotifications is the number of unread notifications included in a snapshot
	RecentNotifications int `mapstructure:"recent_notifications" json:"recent_notifications" validate:"gte=1"`
	// RecentEnrollments is the number of recent enrollments included in a snapshot
	RecentEnrollments int `mapstructure:"recent_enrollments" json:"recent_enrollments" validate:"gte=1"`
}

// ============================================================================
// Cluster

// NATSReconnectConfig NATS reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// ClusterConfig NATS parameters for sharing fan-out between gateway instances
type ClusterConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the NATS subject prefix envelopes are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
}

// ============================================================================

// SystemConfig is the complete application config
type SystemConfig struct {
	// Storage are the SQL storage configs
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Auth are the bearer token configs
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Gateway are the websocket gateway configs
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Dispatch are the notification dispatcher configs
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
	// Topics are the topic derivation configs
	Topics TopicConfig `mapstructure:"topics" json:"topics" validate:"required,dive"`
	// Dashboard are the dashboard aggregator configs
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard" validate:"required,dive"`
	// Cluster if set, fan-out is shared with other instances through NATS
	Cluster *ClusterConfig `mapstructure:"cluster,omitempty" json:"cluster,omitempty" validate:"omitempty,dive"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default storage settings
	viper.SetDefault("storage.driver", "sqlite3")
	viper.SetDefault("storage.dsn", "file:lmsnotify.db?_foreign_keys=on&_busy_timeout=5000")
	viper.SetDefault("storage.max_open_conns", 10)
	viper.SetDefault("storage.conn_max_lifetime_sec", 300)
	viper.SetDefault("storage.auto_migrate", true)

	// Default auth settings
	viper.SetDefault("auth.signing_key", "change-me-lmsnotify-signing-key")
	viper.SetDefault("auth.access_token_ttl_sec", 3600)

	// Default gateway settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 8000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "LMS-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.websocket.ping_interval_sec", 30)
	viper.SetDefault("gateway.websocket.pong_timeout_sec", 60)
	viper.SetDefault("gateway.websocket.write_timeout_sec", 10)
	viper.SetDefault("gateway.websocket.max_message_bytes", 4096)
	viper.SetDefault("gateway.websocket.outbound_queue_depth", 64)

	// Default fan-out settings
	viper.SetDefault("dispatch.queue_depth", 256)
	viper.SetDefault("topics.query_timeout_ms", 2000)
	viper.SetDefault("dashboard.query_timeout_ms", 2000)
	viper.SetDefault("dashboard.refresh_interval_sec", 0)
	viper.SetDefault("dashboard.recent_notifications", 5)
	viper.SetDefault("dashboard.recent_enrollments", 3)
}
