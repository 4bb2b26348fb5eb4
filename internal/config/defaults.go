package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDaemonHost     = "127.0.0.1"
	DefaultDaemonPort     = 37001
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultRetryBackoff   = 500 * time.Millisecond
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultBufferSize     = 1000
	DefaultClientName     = "keylink"
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 1 * time.Second
	DefaultLogLevel       = "info"
)

func (c *Config) applyDefaults() {
	// Daemon defaults
	if c.Daemon.Host == "" {
		c.Daemon.Host = DefaultDaemonHost
	}
	if c.Daemon.Port == 0 {
		c.Daemon.Port = DefaultDaemonPort
	}
	if c.Daemon.ConnectTimeout == 0 {
		c.Daemon.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Daemon.RequestTimeout == 0 {
		c.Daemon.RequestTimeout = DefaultRequestTimeout
	}
	if c.Daemon.RetryBackoff == 0 {
		c.Daemon.RetryBackoff = DefaultRetryBackoff
	}
	if c.Daemon.PollInterval == 0 {
		c.Daemon.PollInterval = DefaultPollInterval
	}
	if c.Daemon.BufferSize == 0 {
		c.Daemon.BufferSize = DefaultBufferSize
	}
	if c.Daemon.ClientName == "" {
		c.Daemon.ClientName = DefaultClientName
	}

	// Recorder defaults
	applyDBDefaults(&c.Recorder.Database)
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
