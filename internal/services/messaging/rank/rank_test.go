package rank

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
	"github.com/harborlink/harborlink/internal/services/messaging/storage"
)

type fakeMember struct {
	mu       sync.Mutex
	received []storage.RankMessage
}

func (m *fakeMember) DeliverRankMessage(msg storage.RankMessage) {
	m.mu.Lock()
	m.received = append(m.received, msg)
	m.mu.Unlock()
}

func (m *fakeMember) messages() []storage.RankMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RankMessage(nil), m.received...)
}

type fakeRankStore struct {
	appendErr error
	appended  []storage.RankMessage
}

func (s *fakeRankStore) AppendRankMessage(ctx context.Context, rank, senderID, content string) (storage.RankMessage, error) {
	if s.appendErr != nil {
		return storage.RankMessage{}, s.appendErr
	}
	msg := storage.RankMessage{
		ID:       "rank-msg-1",
		Rank:     rank,
		SenderID: senderID,
		Content:  content,
		SentAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	s.appended = append(s.appended, msg)
	return msg, nil
}

func (s *fakeRankStore) ListByRank(ctx context.Context, rank string, limit int) ([]storage.RankMessage, error) {
	return nil, nil
}

func TestJoinMovesMembershipBetweenRanks(t *testing.T) {
	registry := NewRegistry(&fakeRankStore{}, nil)
	member := &fakeMember{}

	if _, err := registry.Join(member, "captain"); err != nil {
		t.Fatalf("join captain: %v", err)
	}
	if rank, ok := registry.RankOf(member); !ok || rank != "captain" {
		t.Fatalf("rank = %q/%v, want captain", rank, ok)
	}

	if _, err := registry.Join(member, "deckhand"); err != nil {
		t.Fatalf("join deckhand: %v", err)
	}
	if rank, ok := registry.RankOf(member); !ok || rank != "deckhand" {
		t.Fatalf("rank = %q/%v, want deckhand", rank, ok)
	}
	if len(registry.snapshot("captain")) != 0 {
		t.Fatal("joining a new rank should leave the old one")
	}
}

func TestJoinRejectsEmptyLabel(t *testing.T) {
	registry := NewRegistry(&fakeRankStore{}, nil)
	member := &fakeMember{}

	if _, err := registry.Join(member, "   "); apperrors.CodeOf(err) != apperrors.CodeRankLabelEmpty {
		t.Fatalf("join empty err = %v, want %v", err, apperrors.CodeRankLabelEmpty)
	}
	if _, ok := registry.RankOf(member); ok {
		t.Fatal("failed join should not change membership")
	}
}

func TestSendFansOutToAllMembersIncludingSender(t *testing.T) {
	store := &fakeRankStore{}
	registry := NewRegistry(store, nil)
	sender := &fakeMember{}
	peer := &fakeMember{}
	outsider := &fakeMember{}

	if _, err := registry.Join(sender, "captain"); err != nil {
		t.Fatalf("join sender: %v", err)
	}
	if _, err := registry.Join(peer, "captain"); err != nil {
		t.Fatalf("join peer: %v", err)
	}
	if _, err := registry.Join(outsider, "deckhand"); err != nil {
		t.Fatalf("join outsider: %v", err)
	}

	msg, err := registry.Send(context.Background(), sender, "mariner-1", "all hands")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Rank != "captain" {
		t.Fatalf("rank = %q, want captain", msg.Rank)
	}
	if len(store.appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(store.appended))
	}
	if got := sender.messages(); len(got) != 1 || got[0].Content != "all hands" {
		t.Fatalf("sender received %v, want the broadcast", got)
	}
	if got := peer.messages(); len(got) != 1 {
		t.Fatalf("peer received %d messages, want 1", len(got))
	}
	if got := outsider.messages(); len(got) != 0 {
		t.Fatalf("outsider received %d messages, want 0", len(got))
	}
}

func TestSendWithoutMembership(t *testing.T) {
	registry := NewRegistry(&fakeRankStore{}, nil)
	sender := &fakeMember{}

	_, err := registry.Send(context.Background(), sender, "mariner-1", "ahoy")
	if apperrors.CodeOf(err) != apperrors.CodeRankNotJoined {
		t.Fatalf("send err = %v, want %v", err, apperrors.CodeRankNotJoined)
	}
}

func TestSendDegradedPersistenceStillFansOut(t *testing.T) {
	store := &fakeRankStore{appendErr: errors.New("disk full")}
	registry := NewRegistry(store, nil)
	sender := &fakeMember{}
	peer := &fakeMember{}

	if _, err := registry.Join(sender, "captain"); err != nil {
		t.Fatalf("join sender: %v", err)
	}
	if _, err := registry.Join(peer, "captain"); err != nil {
		t.Fatalf("join peer: %v", err)
	}

	msg, err := registry.Send(context.Background(), sender, "mariner-1", "all hands")
	if apperrors.CodeOf(err) != apperrors.CodeRankPersistenceDegraded {
		t.Fatalf("send err = %v, want %v", err, apperrors.CodeRankPersistenceDegraded)
	}
	if msg.ID == "" {
		t.Fatal("degraded send should still produce a message")
	}
	if got := peer.messages(); len(got) != 1 {
		t.Fatalf("peer received %d messages, want 1 despite store failure", len(got))
	}
	if got := sender.messages(); len(got) != 1 {
		t.Fatalf("sender received %d messages, want 1 despite store failure", len(got))
	}
}

func TestLeaveRemovesAtMostOneMembership(t *testing.T) {
	registry := NewRegistry(&fakeRankStore{}, nil)
	member := &fakeMember{}
	other := &fakeMember{}

	if _, err := registry.Join(member, "captain"); err != nil {
		t.Fatalf("join member: %v", err)
	}
	if _, err := registry.Join(other, "captain"); err != nil {
		t.Fatalf("join other: %v", err)
	}

	registry.Leave(member)
	if _, ok := registry.RankOf(member); ok {
		t.Fatal("member should have no rank after leave")
	}
	if _, ok := registry.RankOf(other); !ok {
		t.Fatal("other member should keep its rank")
	}

	// Leaving twice is harmless.
	registry.Leave(member)
}

type countingBroadcaster struct {
	calls int
	rank  string
}

func (b *countingBroadcaster) Broadcast(rank string, members []Member, msg storage.RankMessage) {
	b.calls++
	b.rank = rank
	for _, member := range members {
		member.DeliverRankMessage(msg)
	}
}

func TestSendUsesPluggableBroadcaster(t *testing.T) {
	broadcaster := &countingBroadcaster{}
	registry := NewRegistry(&fakeRankStore{}, broadcaster)
	sender := &fakeMember{}

	if _, err := registry.Join(sender, "captain"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := registry.Send(context.Background(), sender, "mariner-1", "ahoy"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if broadcaster.calls != 1 || broadcaster.rank != "captain" {
		t.Fatalf("broadcaster calls = %d rank = %q, want 1/captain", broadcaster.calls, broadcaster.rank)
	}
}
