package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Viewer stream (WebSocket) settings
const (
	StreamWriteWait      = 10 * time.Second
	StreamPongWait       = 60 * time.Second
	StreamPingPeriod     = (StreamPongWait * 9) / 10
	StreamMaxCommandSize = 64 << 10
	SubscriberBuffer     = 64
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute
