package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborlink/harborlink/internal/services/messaging/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/messaging.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetOrCreateIsPairCanonical(t *testing.T) {
	store := newTestStore(t)

	first, err := store.GetOrCreate(context.Background(), "crew-b", "crew-a")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first.Status != storage.ConnectionPending {
		t.Fatalf("status = %q, want %q", first.Status, storage.ConnectionPending)
	}
	if first.RequestedBy != "crew-b" {
		t.Fatalf("requested_by = %q, want crew-b", first.RequestedBy)
	}

	second, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create reversed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reversed pair id = %q, want %q", second.ID, first.ID)
	}
	if second.RequestedBy != "crew-b" {
		t.Fatalf("reversed requested_by = %q, want crew-b", second.RequestedBy)
	}
}

func TestGetOrCreateConcurrentFirstSends(t *testing.T) {
	store := newTestStore(t)

	const racers = 8
	var wg sync.WaitGroup
	conns := make([]storage.Connection, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = store.GetOrCreate(context.Background(), "crew-a", "crew-b")
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("get or create %d: %v", i, errs[i])
		}
		if conns[i].ID != conns[0].ID {
			t.Fatalf("connection id %d = %q, want %q", i, conns[i].ID, conns[0].ID)
		}
	}
}

func TestGetOrCreateRejectsSelfConnection(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetOrCreate(context.Background(), "crew-a", "crew-a"); !errors.Is(err, storage.ErrSelfConnection) {
		t.Fatalf("self connection err = %v, want %v", err, storage.ErrSelfConnection)
	}
}

func TestGetOrCreateAfterRejectionStartsFresh(t *testing.T) {
	store := newTestStore(t)

	first, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := store.Reject(context.Background(), first.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	fresh, err := store.GetOrCreate(context.Background(), "crew-b", "crew-a")
	if err != nil {
		t.Fatalf("get or create after rejection: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("expected a new connection after rejection")
	}
	if fresh.Status != storage.ConnectionPending {
		t.Fatalf("fresh status = %q, want %q", fresh.Status, storage.ConnectionPending)
	}

	old, err := store.GetConnection(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get rejected connection: %v", err)
	}
	if old.Status != storage.ConnectionRejected {
		t.Fatalf("old status = %q, want %q", old.Status, storage.ConnectionRejected)
	}
}

func TestAcceptLifecycle(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	accepted, err := store.Accept(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != storage.ConnectionAccepted {
		t.Fatalf("status = %q, want %q", accepted.Status, storage.ConnectionAccepted)
	}
	if accepted.AcceptedAt.IsZero() {
		t.Fatal("accepted_at should be set")
	}

	again, err := store.Accept(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if !again.AcceptedAt.Equal(accepted.AcceptedAt) {
		t.Fatalf("repeat accept changed accepted_at: %v != %v", again.AcceptedAt, accepted.AcceptedAt)
	}

	var transitionErr *storage.TransitionError
	if _, err := store.Reject(context.Background(), conn.ID); !errors.As(err, &transitionErr) {
		t.Fatalf("reject accepted err = %v, want transition error", err)
	}
	if transitionErr.From != storage.ConnectionAccepted || transitionErr.To != storage.ConnectionRejected {
		t.Fatalf("transition error = %v, want accepted->rejected", transitionErr)
	}
}

func TestTransitionOnMissingConnection(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Accept(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("accept missing err = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := store.GetConnection(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestBlockAndUnblockRestoresPriorState(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := store.Accept(context.Background(), conn.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	blocked, err := store.Block(context.Background(), conn.ID, "crew-b")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.Status != storage.ConnectionBlocked {
		t.Fatalf("status = %q, want %q", blocked.Status, storage.ConnectionBlocked)
	}
	if blocked.BlockedBy != "crew-b" {
		t.Fatalf("blocked_by = %q, want crew-b", blocked.BlockedBy)
	}

	if _, err := store.Unblock(context.Background(), conn.ID, "crew-a"); !errors.Is(err, storage.ErrNotBlocker) {
		t.Fatalf("unblock by non-blocker err = %v, want %v", err, storage.ErrNotBlocker)
	}

	restored, err := store.Unblock(context.Background(), conn.ID, "crew-b")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if restored.Status != storage.ConnectionAccepted {
		t.Fatalf("restored status = %q, want %q", restored.Status, storage.ConnectionAccepted)
	}
	if restored.BlockedBy != "" {
		t.Fatalf("restored blocked_by = %q, want empty", restored.BlockedBy)
	}
}

func TestUnblockPendingConnectionReturnsToPending(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := store.Block(context.Background(), conn.ID, "crew-a"); err != nil {
		t.Fatalf("block pending: %v", err)
	}
	restored, err := store.Unblock(context.Background(), conn.ID, "crew-a")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if restored.Status != storage.ConnectionPending {
		t.Fatalf("restored status = %q, want %q", restored.Status, storage.ConnectionPending)
	}
}

func TestBlockRequiresParty(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := store.Block(context.Background(), conn.ID, "crew-c"); err == nil {
		t.Fatal("expected error blocking as a non-party")
	}
}

func TestAppendAssignsStrictlyIncreasingSendTimes(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	// Freeze the clock so every append collides on the wall time and the
	// store has to advance the timestamp itself.
	frozen := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return frozen }

	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := store.Append(context.Background(), conn.ID, "crew-a", "ahoy")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if !msg.SentAt.After(prev) {
			t.Fatalf("append %d sent_at %v not after %v", i, msg.SentAt, prev)
		}
		prev = msg.SentAt
	}

	messages, err := store.ListByConnection(context.Background(), conn.ID, time.Time{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("messages len = %d, want 5", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if !messages[i].SentAt.After(messages[i-1].SentAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestAppendOnMissingConnection(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Append(context.Background(), "missing", "crew-a", "ahoy"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("append err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListByConnectionSinceBound(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	first, err := store.Append(context.Background(), conn.ID, "crew-a", "one")
	if err != nil {
		t.Fatalf("append one: %v", err)
	}
	second, err := store.Append(context.Background(), conn.ID, "crew-b", "two")
	if err != nil {
		t.Fatalf("append two: %v", err)
	}

	after, err := store.ListByConnection(context.Background(), conn.ID, first.SentAt)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(after) != 1 || after[0].ID != second.ID {
		t.Fatalf("list since = %v, want only %q", after, second.ID)
	}
}

func TestMarkReadSkipsSenderAndMissing(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	msg, err := store.Append(context.Background(), conn.ID, "crew-a", "ahoy")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.MarkRead(context.Background(), msg.ID, "crew-a"); err != nil {
		t.Fatalf("mark read by sender: %v", err)
	}
	messages, err := store.ListByConnection(context.Background(), conn.ID, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if messages[0].IsRead {
		t.Fatal("sender read should be a no-op")
	}

	if err := store.MarkRead(context.Background(), msg.ID, "crew-b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	messages, err = store.ListByConnection(context.Background(), conn.ID, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !messages[0].IsRead {
		t.Fatal("message should be read")
	}

	if err := store.MarkRead(context.Background(), "missing", "crew-b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mark read missing err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestMarkReadRequiresConnectionParty(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	msg, err := store.Append(context.Background(), conn.ID, "crew-a", "ahoy")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.MarkRead(context.Background(), msg.ID, "crew-c"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mark read by outsider err = %v, want %v", err, storage.ErrNotFound)
	}
	messages, err := store.ListByConnection(context.Background(), conn.ID, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if messages[0].IsRead {
		t.Fatal("outsider must not flip the read flag")
	}
}

func TestMarkDelivered(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	msg, err := store.Append(context.Background(), conn.ID, "crew-a", "ahoy")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.MarkDelivered(context.Background(), msg.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	messages, err := store.ListByConnection(context.Background(), conn.ID, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !messages[0].IsDelivered {
		t.Fatal("message should be delivered")
	}

	if err := store.MarkDelivered(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mark delivered missing err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestUnreadCountsByConnection(t *testing.T) {
	store := newTestStore(t)

	connAB, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create a-b: %v", err)
	}
	connAC, err := store.GetOrCreate(context.Background(), "crew-a", "crew-c")
	if err != nil {
		t.Fatalf("get or create a-c: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Append(context.Background(), connAB.ID, "crew-b", "ahoy"); err != nil {
			t.Fatalf("append a-b: %v", err)
		}
	}
	if _, err := store.Append(context.Background(), connAC.ID, "crew-c", "ahoy"); err != nil {
		t.Fatalf("append a-c: %v", err)
	}
	// crew-a's own messages never count as unread for crew-a.
	if _, err := store.Append(context.Background(), connAB.ID, "crew-a", "reply"); err != nil {
		t.Fatalf("append own: %v", err)
	}

	counts, err := store.UnreadCountsByConnection(context.Background(), "crew-a")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	byConnection := map[string]int64{}
	for _, count := range counts {
		byConnection[count.ConnectionID] = count.Count
	}
	if byConnection[connAB.ID] != 3 {
		t.Fatalf("unread a-b = %d, want 3", byConnection[connAB.ID])
	}
	if byConnection[connAC.ID] != 1 {
		t.Fatalf("unread a-c = %d, want 1", byConnection[connAC.ID])
	}
}

func TestListForIdentityOrdersByActivity(t *testing.T) {
	store := newTestStore(t)

	connAB, err := store.GetOrCreate(context.Background(), "crew-a", "crew-b")
	if err != nil {
		t.Fatalf("get or create a-b: %v", err)
	}
	connAC, err := store.GetOrCreate(context.Background(), "crew-a", "crew-c")
	if err != nil {
		t.Fatalf("get or create a-c: %v", err)
	}

	// A new message on the older connection moves it to the front.
	if _, err := store.Append(context.Background(), connAB.ID, "crew-b", "ahoy"); err != nil {
		t.Fatalf("append: %v", err)
	}

	connections, err := store.ListForIdentity(context.Background(), "crew-a")
	if err != nil {
		t.Fatalf("list for identity: %v", err)
	}
	if len(connections) != 2 {
		t.Fatalf("connections len = %d, want 2", len(connections))
	}
	if connections[0].ID != connAB.ID {
		t.Fatalf("first connection = %q, want %q", connections[0].ID, connAB.ID)
	}
	if connections[1].ID != connAC.ID {
		t.Fatalf("second connection = %q, want %q", connections[1].ID, connAC.ID)
	}

	others, err := store.ListForIdentity(context.Background(), "crew-b")
	if err != nil {
		t.Fatalf("list for crew-b: %v", err)
	}
	if len(others) != 1 || others[0].ID != connAB.ID {
		t.Fatalf("crew-b connections = %v, want [%s]", others, connAB.ID)
	}
}

func TestRankMessagesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	first, err := store.AppendRankMessage(context.Background(), "captain", "crew-a", "all hands")
	if err != nil {
		t.Fatalf("append rank message: %v", err)
	}
	if first.Rank != "captain" {
		t.Fatalf("rank = %q, want captain", first.Rank)
	}
	if _, err := store.AppendRankMessage(context.Background(), "captain", "crew-b", "aye"); err != nil {
		t.Fatalf("append second rank message: %v", err)
	}
	if _, err := store.AppendRankMessage(context.Background(), "deckhand", "crew-c", "swabbing"); err != nil {
		t.Fatalf("append other rank message: %v", err)
	}

	messages, err := store.ListByRank(context.Background(), "captain", 0)
	if err != nil {
		t.Fatalf("list by rank: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("rank messages len = %d, want 2", len(messages))
	}
	for _, msg := range messages {
		if msg.Rank != "captain" {
			t.Fatalf("rank = %q, want captain", msg.Rank)
		}
	}
}
