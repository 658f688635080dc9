// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// IdentityResolve caps the wait time for one identity resolver call during
// the websocket auth handshake.
const IdentityResolve = 3 * time.Second

// SessionPing is the default interval between server heartbeat envelopes on
// an established websocket session.
const SessionPing = 30 * time.Second

// SessionIdle is the default window after which a session with no inbound
// envelopes (including heartbeat replies) is considered dead and closed.
const SessionIdle = 90 * time.Second
