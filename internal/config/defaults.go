// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// DefaultServerPort is the gateway listen port.
const DefaultServerPort = 8080

// DefaultReadTimeout for the HTTP server.
const DefaultReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds graceful server draining on SIGTERM.
const DefaultShutdownTimeout = 15 * time.Second

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// DefaultProviderBaseURL is the upstream chat-completions host.
const DefaultProviderBaseURL = "https://api.openai.com"

// DefaultProviderTimeout bounds one provider call.
const DefaultProviderTimeout = 120 * time.Second

// DefaultModel is used when the caller does not name one.
const DefaultModel = "gpt-4o-mini"

// DefaultCacheTTL applies when the caller omits cache_ttl_seconds.
const DefaultCacheTTL = 3600 * time.Second

// DefaultFailureThreshold is the consecutive-failure count that opens the
// circuit breaker.
const DefaultFailureThreshold = 5

// DefaultCoolDown is how long the breaker stays open after its last failure.
const DefaultCoolDown = 60 * time.Second

// DefaultPriority applies when the caller omits one.
const DefaultPriority = "medium"

// DefaultSQLitePath is the local database file.
const DefaultSQLitePath = "llm-gateway.db"
