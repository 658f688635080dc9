// Package messaging implements real-time 1:1 and rank channel communication
// between mariners.
//
// It keeps websocket lifecycle, connection state transitions, and message
// fan-out isolated behind storage contracts so the rest of the platform can
// treat relationship state as a single durable source of truth.
package messaging
