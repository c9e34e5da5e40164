// Package timeouts defines shared timeout constants used across the live
// service. Centralizing these values prevents drift between the server and
// client boundaries and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 10 * time.Second

// SessionRevoke caps the watchdog's escalation call, which must finish even
// while the rest of the client is tearing down.
const SessionRevoke = 10 * time.Second
