// Package sqlite provides a SQLite-backed messaging storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborlink/harborlink/internal/platform/id"
	"github.com/harborlink/harborlink/internal/platform/storage/sqlitemigrate"
	"github.com/harborlink/harborlink/internal/services/messaging/storage"
	"github.com/harborlink/harborlink/internal/services/messaging/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists messaging state in SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite messaging store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

// normalizePair maps an unordered identity pair to its canonical storage
// order so lookups by either order hit the same row.
func normalizePair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

const connectionColumns = `id, party_low, party_high, requested_by, status, blocked_by, created_at, accepted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (storage.Connection, error) {
	var (
		conn       storage.Connection
		createdAt  int64
		acceptedAt sql.NullInt64
	)
	err := row.Scan(
		&conn.ID,
		&conn.PartyA,
		&conn.PartyB,
		&conn.RequestedBy,
		&conn.Status,
		&conn.BlockedBy,
		&createdAt,
		&acceptedAt,
	)
	if err != nil {
		return storage.Connection{}, err
	}
	conn.CreatedAt = fromMillis(createdAt)
	if acceptedAt.Valid {
		conn.AcceptedAt = fromMillis(acceptedAt.Int64)
	}
	conn.LastActivity = conn.CreatedAt
	return conn, nil
}

// GetOrCreate returns the live connection for the unordered pair, creating a
// pending one when no non-rejected connection exists.
func (s *Store) GetOrCreate(ctx context.Context, requester, peer string) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Connection{}, fmt.Errorf("storage is not configured")
	}
	requester = strings.TrimSpace(requester)
	peer = strings.TrimSpace(peer)
	if requester == "" {
		return storage.Connection{}, fmt.Errorf("requester identity is required")
	}
	if peer == "" {
		return storage.Connection{}, fmt.Errorf("peer identity is required")
	}
	if requester == peer {
		return storage.Connection{}, storage.ErrSelfConnection
	}
	low, high := normalizePair(requester, peer)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Connection{}, fmt.Errorf("begin get-or-create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conn, err := scanConnection(tx.QueryRowContext(
		ctx,
		`SELECT `+connectionColumns+`
		 FROM connections
		 WHERE party_low = ? AND party_high = ? AND status != ?`,
		low,
		high,
		storage.ConnectionRejected,
	))
	if err == nil {
		if commitErr := tx.Commit(); commitErr != nil {
			return storage.Connection{}, fmt.Errorf("commit get-or-create: %w", commitErr)
		}
		return conn, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.Connection{}, fmt.Errorf("lookup connection pair: %w", err)
	}

	connectionID, err := id.NewID()
	if err != nil {
		return storage.Connection{}, fmt.Errorf("generate connection id: %w", err)
	}
	now := s.now()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO connections (id, party_low, party_high, requested_by, status, blocked_by, created_at, accepted_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, NULL)`,
		connectionID,
		low,
		high,
		requester,
		storage.ConnectionPending,
		toMillis(now),
	); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.readLivePair(ctx, low, high)
		}
		return storage.Connection{}, fmt.Errorf("create connection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return s.readLivePair(ctx, low, high)
		}
		return storage.Connection{}, fmt.Errorf("commit get-or-create: %w", err)
	}

	return storage.Connection{
		ID:           connectionID,
		PartyA:       low,
		PartyB:       high,
		RequestedBy:  requester,
		Status:       storage.ConnectionPending,
		CreatedAt:    now.UTC().Truncate(time.Millisecond),
		LastActivity: now.UTC().Truncate(time.Millisecond),
	}, nil
}

// readLivePair reads the non-rejected connection for a canonical pair. Used
// when a concurrent GetOrCreate won the insert race: the unique index on live
// pairs rejects the loser, which then returns the winner's row.
func (s *Store) readLivePair(ctx context.Context, low, high string) (storage.Connection, error) {
	conn, err := scanConnection(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+connectionColumns+`
		 FROM connections
		 WHERE party_low = ? AND party_high = ? AND status != ?`,
		low,
		high,
		storage.ConnectionRejected,
	))
	if err != nil {
		return storage.Connection{}, fmt.Errorf("read connection pair after insert conflict: %w", err)
	}
	return conn, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetConnection returns one connection by id.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Connection{}, fmt.Errorf("storage is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return storage.Connection{}, fmt.Errorf("connection id is required")
	}

	conn, err := scanConnection(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`,
		connectionID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrNotFound
		}
		return storage.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// transition runs one lifecycle mutation inside a transaction so a
// concurrent check-and-append cannot observe a half-applied state.
func (s *Store) transition(ctx context.Context, connectionID string, mutate func(tx *sql.Tx, conn storage.Connection) (storage.Connection, error)) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return storage.Connection{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Connection{}, fmt.Errorf("storage is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return storage.Connection{}, fmt.Errorf("connection id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Connection{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conn, err := scanConnection(tx.QueryRowContext(
		ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`,
		connectionID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Connection{}, storage.ErrNotFound
		}
		return storage.Connection{}, fmt.Errorf("load connection: %w", err)
	}

	updated, err := mutate(tx, conn)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.Connection{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

// Accept moves a pending connection to accepted. Idempotent when already
// accepted.
func (s *Store) Accept(ctx context.Context, connectionID string) (storage.Connection, error) {
	return s.transition(ctx, connectionID, func(tx *sql.Tx, conn storage.Connection) (storage.Connection, error) {
		switch conn.Status {
		case storage.ConnectionAccepted:
			return conn, nil
		case storage.ConnectionPending:
		default:
			return storage.Connection{}, &storage.TransitionError{
				ConnectionID: conn.ID,
				From:         conn.Status,
				To:           storage.ConnectionAccepted,
			}
		}
		now := s.now()
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET status = ?, accepted_at = ? WHERE id = ?`,
			storage.ConnectionAccepted,
			toMillis(now),
			conn.ID,
		); err != nil {
			return storage.Connection{}, fmt.Errorf("accept connection: %w", err)
		}
		conn.Status = storage.ConnectionAccepted
		conn.AcceptedAt = now.UTC().Truncate(time.Millisecond)
		return conn, nil
	})
}

// Reject moves a pending connection to rejected.
func (s *Store) Reject(ctx context.Context, connectionID string) (storage.Connection, error) {
	return s.transition(ctx, connectionID, func(tx *sql.Tx, conn storage.Connection) (storage.Connection, error) {
		if conn.Status != storage.ConnectionPending {
			return storage.Connection{}, &storage.TransitionError{
				ConnectionID: conn.ID,
				From:         conn.Status,
				To:           storage.ConnectionRejected,
			}
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET status = ? WHERE id = ?`,
			storage.ConnectionRejected,
			conn.ID,
		); err != nil {
			return storage.Connection{}, fmt.Errorf("reject connection: %w", err)
		}
		conn.Status = storage.ConnectionRejected
		return conn, nil
	})
}

// Block moves a pending or accepted connection to blocked, recording the
// imposing party.
func (s *Store) Block(ctx context.Context, connectionID, by string) (storage.Connection, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return storage.Connection{}, fmt.Errorf("blocking party is required")
	}
	return s.transition(ctx, connectionID, func(tx *sql.Tx, conn storage.Connection) (storage.Connection, error) {
		if !conn.HasParty(by) {
			return storage.Connection{}, fmt.Errorf("identity %q is not a party of connection %s", by, conn.ID)
		}
		if conn.Status != storage.ConnectionPending && conn.Status != storage.ConnectionAccepted {
			return storage.Connection{}, &storage.TransitionError{
				ConnectionID: conn.ID,
				From:         conn.Status,
				To:           storage.ConnectionBlocked,
			}
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET status = ?, blocked_by = ? WHERE id = ?`,
			storage.ConnectionBlocked,
			by,
			conn.ID,
		); err != nil {
			return storage.Connection{}, fmt.Errorf("block connection: %w", err)
		}
		conn.Status = storage.ConnectionBlocked
		conn.BlockedBy = by
		return conn, nil
	})
}

// Unblock reverses a block. Only the blocker may unblock; the connection
// returns to accepted when it had been accepted, else to pending.
func (s *Store) Unblock(ctx context.Context, connectionID, by string) (storage.Connection, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return storage.Connection{}, fmt.Errorf("unblocking party is required")
	}
	return s.transition(ctx, connectionID, func(tx *sql.Tx, conn storage.Connection) (storage.Connection, error) {
		if conn.Status != storage.ConnectionBlocked {
			return storage.Connection{}, &storage.TransitionError{
				ConnectionID: conn.ID,
				From:         conn.Status,
				To:           storage.ConnectionPending,
			}
		}
		if conn.BlockedBy != by {
			return storage.Connection{}, storage.ErrNotBlocker
		}
		restored := storage.ConnectionPending
		if !conn.AcceptedAt.IsZero() {
			restored = storage.ConnectionAccepted
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE connections SET status = ?, blocked_by = '' WHERE id = ?`,
			restored,
			conn.ID,
		); err != nil {
			return storage.Connection{}, fmt.Errorf("unblock connection: %w", err)
		}
		conn.Status = restored
		conn.BlockedBy = ""
		return conn, nil
	})
}

// ListForIdentity returns every connection where identity is a party,
// ordered by most recent activity (last message, else creation).
func (s *Store) ListForIdentity(ctx context.Context, identity string) ([]storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT c.id, c.party_low, c.party_high, c.requested_by, c.status, c.blocked_by, c.created_at, c.accepted_at,
		        COALESCE(m.last_sent_ns, c.created_at * 1000000) AS last_activity_ns
		 FROM connections c
		 LEFT JOIN (
		   SELECT connection_id, MAX(sent_at_ns) AS last_sent_ns
		   FROM messages
		   GROUP BY connection_id
		 ) m ON m.connection_id = c.id
		 WHERE c.party_low = ? OR c.party_high = ?
		 ORDER BY last_activity_ns DESC`,
		identity,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var connections []storage.Connection
	for rows.Next() {
		var (
			conn           storage.Connection
			createdAt      int64
			acceptedAt     sql.NullInt64
			lastActivityNS int64
		)
		if err := rows.Scan(
			&conn.ID,
			&conn.PartyA,
			&conn.PartyB,
			&conn.RequestedBy,
			&conn.Status,
			&conn.BlockedBy,
			&createdAt,
			&acceptedAt,
			&lastActivityNS,
		); err != nil {
			return nil, fmt.Errorf("list connections: %w", err)
		}
		conn.CreatedAt = fromMillis(createdAt)
		if acceptedAt.Valid {
			conn.AcceptedAt = fromMillis(acceptedAt.Int64)
		}
		conn.LastActivity = time.Unix(0, lastActivityNS).UTC()
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return connections, nil
}

// Append records one message for a connection, assigning a strictly
// increasing send timestamp within the connection.
func (s *Store) Append(ctx context.Context, connectionID, senderID, content string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	senderID = strings.TrimSpace(senderID)
	if connectionID == "" {
		return storage.Message{}, fmt.Errorf("connection id is required")
	}
	if senderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(content) == "" {
		return storage.Message{}, fmt.Errorf("content is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM connections WHERE id = ?`, connectionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("check connection: %w", err)
	}

	var lastSentNS int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(sent_at_ns), 0) FROM messages WHERE connection_id = ?`,
		connectionID,
	).Scan(&lastSentNS); err != nil {
		return storage.Message{}, fmt.Errorf("read last send timestamp: %w", err)
	}

	sentNS := s.now().UnixNano()
	if sentNS <= lastSentNS {
		sentNS = lastSentNS + 1
	}

	messageID, err := id.NewID()
	if err != nil {
		return storage.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO messages (id, connection_id, sender_id, content, sent_at_ns, is_read, is_delivered)
		 VALUES (?, ?, ?, ?, ?, 0, 0)`,
		messageID,
		connectionID,
		senderID,
		content,
		sentNS,
	); err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Message{}, fmt.Errorf("commit append: %w", err)
	}

	return storage.Message{
		ID:           messageID,
		ConnectionID: connectionID,
		SenderID:     senderID,
		Content:      content,
		SentAt:       time.Unix(0, sentNS).UTC(),
	}, nil
}

// ListByConnection returns messages in ascending send order, optionally
// bounded to messages sent strictly after since.
func (s *Store) ListByConnection(ctx context.Context, connectionID string, since time.Time) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("connection id is required")
	}

	var sinceNS int64
	if !since.IsZero() {
		sinceNS = since.UnixNano()
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, connection_id, sender_id, content, sent_at_ns, is_read, is_delivered
		 FROM messages
		 WHERE connection_id = ? AND sent_at_ns > ?
		 ORDER BY sent_at_ns ASC`,
		connectionID,
		sinceNS,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var (
		msg         storage.Message
		sentNS      int64
		isRead      int
		isDelivered int
	)
	if err := row.Scan(
		&msg.ID,
		&msg.ConnectionID,
		&msg.SenderID,
		&msg.Content,
		&sentNS,
		&isRead,
		&isDelivered,
	); err != nil {
		return storage.Message{}, err
	}
	msg.SentAt = time.Unix(0, sentNS).UTC()
	msg.IsRead = isRead != 0
	msg.IsDelivered = isDelivered != 0
	return msg, nil
}

// MarkRead flips the read flag. A sender reading its own message is a no-op.
// Readers outside the message's connection get ErrNotFound so the message id
// space stays opaque to them.
func (s *Store) MarkRead(ctx context.Context, messageID, readerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	readerID = strings.TrimSpace(readerID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if readerID == "" {
		return fmt.Errorf("reader id is required")
	}

	var senderID, partyLow, partyHigh string
	if err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT m.sender_id, c.party_low, c.party_high
		 FROM messages m
		 JOIN connections c ON c.id = m.connection_id
		 WHERE m.id = ?`,
		messageID,
	).Scan(&senderID, &partyLow, &partyHigh); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("load message sender: %w", err)
	}
	if readerID != partyLow && readerID != partyHigh {
		return storage.ErrNotFound
	}
	if senderID == readerID {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// MarkDelivered flips the delivery flag after a successful live push.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `UPDATE messages SET is_delivered = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UnreadCountsByConnection counts unread messages addressed to identity,
// grouped by connection.
func (s *Store) UnreadCountsByConnection(ctx context.Context, identity string) ([]storage.UnreadCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT m.connection_id, COUNT(*)
		 FROM messages m
		 JOIN connections c ON c.id = m.connection_id
		 WHERE m.is_read = 0
		   AND m.sender_id != ?
		   AND (c.party_low = ? OR c.party_high = ?)
		 GROUP BY m.connection_id`,
		identity,
		identity,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	defer rows.Close()

	var counts []storage.UnreadCount
	for rows.Next() {
		var count storage.UnreadCount
		if err := rows.Scan(&count.ConnectionID, &count.Count); err != nil {
			return nil, fmt.Errorf("count unread messages: %w", err)
		}
		counts = append(counts, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	return counts, nil
}

// AppendRankMessage records one rank-scoped broadcast message.
func (s *Store) AppendRankMessage(ctx context.Context, rank, senderID, content string) (storage.RankMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.RankMessage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RankMessage{}, fmt.Errorf("storage is not configured")
	}
	rank = strings.TrimSpace(rank)
	senderID = strings.TrimSpace(senderID)
	if rank == "" {
		return storage.RankMessage{}, fmt.Errorf("rank label is required")
	}
	if senderID == "" {
		return storage.RankMessage{}, fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(content) == "" {
		return storage.RankMessage{}, fmt.Errorf("content is required")
	}

	messageID, err := id.NewID()
	if err != nil {
		return storage.RankMessage{}, fmt.Errorf("generate rank message id: %w", err)
	}
	sentNS := s.now().UnixNano()

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rank_messages (id, rank, sender_id, content, sent_at_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		messageID,
		rank,
		senderID,
		content,
		sentNS,
	); err != nil {
		return storage.RankMessage{}, fmt.Errorf("append rank message: %w", err)
	}

	return storage.RankMessage{
		ID:       messageID,
		Rank:     rank,
		SenderID: senderID,
		Content:  content,
		SentAt:   time.Unix(0, sentNS).UTC(),
	}, nil
}

// ListByRank returns rank messages in ascending send order.
func (s *Store) ListByRank(ctx context.Context, rank string, limit int) ([]storage.RankMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rank = strings.TrimSpace(rank)
	if rank == "" {
		return nil, fmt.Errorf("rank label is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, rank, sender_id, content, sent_at_ns
		 FROM rank_messages
		 WHERE rank = ?
		 ORDER BY sent_at_ns ASC
		 LIMIT ?`,
		rank,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list rank messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.RankMessage
	for rows.Next() {
		var (
			msg    storage.RankMessage
			sentNS int64
		)
		if err := rows.Scan(&msg.ID, &msg.Rank, &msg.SenderID, &msg.Content, &sentNS); err != nil {
			return nil, fmt.Errorf("list rank messages: %w", err)
		}
		msg.SentAt = time.Unix(0, sentNS).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rank messages: %w", err)
	}
	return messages, nil
}

var _ storage.ConnectionStore = (*Store)(nil)
var _ storage.MessageStore = (*Store)(nil)
var _ storage.RankMessageStore = (*Store)(nil)
