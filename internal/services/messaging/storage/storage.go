// Package storage defines persistence contracts for messaging service state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrSelfConnection indicates an attempt to open a connection between an
// identity and itself.
var ErrSelfConnection = errors.New("connection parties must differ")

// ErrNotBlocker indicates an unblock attempt by a party other than the one
// that imposed the block.
var ErrNotBlocker = errors.New("only the blocking party may unblock")

// ConnectionStatus is the lifecycle state of a pairwise connection.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionRejected ConnectionStatus = "rejected"
	ConnectionBlocked  ConnectionStatus = "blocked"
)

// TransitionError indicates a connection lifecycle mutation that is not
// valid from the connection's current status.
type TransitionError struct {
	ConnectionID string
	From         ConnectionStatus
	To           ConnectionStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection %s: cannot transition from %s to %s", e.ConnectionID, e.From, e.To)
}

// Connection is a persisted 1:1 chat relationship between two identities.
// The party pair is unordered: lookups by either order resolve to the same
// record. Connections are never physically deleted.
type Connection struct {
	ID           string
	PartyA       string
	PartyB       string
	RequestedBy  string
	Status       ConnectionStatus
	BlockedBy    string
	CreatedAt    time.Time
	AcceptedAt   time.Time // zero when never accepted
	LastActivity time.Time
}

// Peer returns the other party of the connection, or "" when the identity is
// not a party.
func (c Connection) Peer(identity string) string {
	switch identity {
	case c.PartyA:
		return c.PartyB
	case c.PartyB:
		return c.PartyA
	default:
		return ""
	}
}

// HasParty reports whether identity is one of the connection's parties.
func (c Connection) HasParty(identity string) bool {
	return identity != "" && (identity == c.PartyA || identity == c.PartyB)
}

// Receiver returns the party that did not request the connection.
func (c Connection) Receiver() string {
	return c.Peer(c.RequestedBy)
}

// Message is an ordered, immutable unit of content scoped to one connection.
type Message struct {
	ID           string
	ConnectionID string
	SenderID     string
	Content      string
	SentAt       time.Time
	IsRead       bool
	IsDelivered  bool
}

// RankMessage is one broadcast message in a rank channel log. The log is
// keyed by rank label and structurally independent of pairwise connections.
type RankMessage struct {
	ID       string
	Rank     string
	SenderID string
	Content  string
	SentAt   time.Time
}

// UnreadCount is the number of unread inbound messages on one connection.
type UnreadCount struct {
	ConnectionID string
	Count        int64
}

// ConnectionStore is the single source of truth for the pairwise
// relationship state machine.
type ConnectionStore interface {
	// GetOrCreate returns the existing non-rejected connection for the
	// unordered pair {requester, peer}, creating a pending one when none
	// exists. Returns ErrSelfConnection when requester == peer.
	GetOrCreate(ctx context.Context, requester, peer string) (Connection, error)

	// GetConnection returns one connection by id, or ErrNotFound.
	GetConnection(ctx context.Context, connectionID string) (Connection, error)

	// Accept moves a pending connection to accepted and stamps AcceptedAt.
	// Accepting an already-accepted connection is a no-op.
	Accept(ctx context.Context, connectionID string) (Connection, error)

	// Reject moves a pending connection to rejected. A rejected connection
	// never blocks a fresh pending connection for the same pair.
	Reject(ctx context.Context, connectionID string) (Connection, error)

	// Block moves a pending or accepted connection to blocked and records
	// the imposing party.
	Block(ctx context.Context, connectionID, by string) (Connection, error)

	// Unblock reverses a block. Only the party recorded by Block may do so;
	// other parties get ErrNotBlocker. The connection returns to accepted
	// when it had been accepted, else to pending.
	Unblock(ctx context.Context, connectionID, by string) (Connection, error)

	// ListForIdentity returns every connection where identity is a party,
	// newest activity first.
	ListForIdentity(ctx context.Context, identity string) ([]Connection, error)
}

// MessageStore is a durable, ordered message log per connection plus
// read/delivery bookkeeping. It is status-agnostic: callers are responsible
// for checking connection state before appending.
type MessageStore interface {
	// Append records one message. SentAt is assigned by the store and is
	// strictly increasing within a connection. Returns ErrNotFound when the
	// connection does not exist.
	Append(ctx context.Context, connectionID, senderID, content string) (Message, error)

	// ListByConnection returns messages in ascending SentAt order. A
	// non-zero since bound returns only messages sent strictly after it,
	// supporting incremental sync.
	ListByConnection(ctx context.Context, connectionID string, since time.Time) ([]Message, error)

	// MarkRead flips IsRead. Reads by the sender of the message are ignored,
	// and readers outside the message's connection get ErrNotFound.
	MarkRead(ctx context.Context, messageID, readerID string) error

	// MarkDelivered flips IsDelivered after a successful live push.
	MarkDelivered(ctx context.Context, messageID string) error

	// UnreadCountsByConnection counts unread messages addressed to identity,
	// grouped by connection.
	UnreadCountsByConnection(ctx context.Context, identity string) ([]UnreadCount, error)
}

// RankMessageStore is the append-only persistence sink for rank channel
// broadcasts.
type RankMessageStore interface {
	// AppendRankMessage records one rank-scoped message.
	AppendRankMessage(ctx context.Context, rank, senderID, content string) (RankMessage, error)

	// ListByRank returns rank messages in ascending SentAt order.
	ListByRank(ctx context.Context, rank string, limit int) ([]RankMessage, error)
}
