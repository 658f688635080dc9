// Package rank tracks rank-channel membership and fans broadcast messages
// out to every live member of a rank.
package rank

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
	"github.com/harborlink/harborlink/internal/platform/id"
	"github.com/harborlink/harborlink/internal/services/messaging/storage"
)

var timeNow = func() time.Time { return time.Now().UTC() }

// Member is one live gateway session subscribed to a rank channel.
type Member interface {
	DeliverRankMessage(msg storage.RankMessage)
}

// Broadcaster fans one rank message out to a member snapshot. The registry
// ships an in-process implementation; a brokered one can be substituted for
// multi-instance deployments without touching membership logic.
type Broadcaster interface {
	Broadcast(rank string, members []Member, msg storage.RankMessage)
}

// InProcessBroadcaster delivers rank messages directly to member sessions.
type InProcessBroadcaster struct{}

// Broadcast delivers msg to every member in the snapshot.
func (InProcessBroadcaster) Broadcast(rank string, members []Member, msg storage.RankMessage) {
	for _, member := range members {
		member.DeliverRankMessage(msg)
	}
}

// Registry is the rank channel membership registry. A member belongs to at
// most one rank at a time; joining a new rank leaves the old one.
type Registry struct {
	store       storage.RankMessageStore
	broadcaster Broadcaster

	mu       sync.Mutex
	members  map[string]map[Member]struct{}
	byMember map[Member]string
}

// NewRegistry builds a registry over the given persistence sink. A nil
// broadcaster defaults to in-process delivery.
func NewRegistry(store storage.RankMessageStore, broadcaster Broadcaster) *Registry {
	if broadcaster == nil {
		broadcaster = InProcessBroadcaster{}
	}
	return &Registry{
		store:       store,
		broadcaster: broadcaster,
		members:     make(map[string]map[Member]struct{}),
		byMember:    make(map[Member]string),
	}
}

// Join subscribes member to the given rank, leaving any rank it currently
// belongs to. Returns the joined label.
func (r *Registry) Join(member Member, rank string) (string, error) {
	rank = strings.TrimSpace(rank)
	if rank == "" {
		return "", apperrors.New(apperrors.CodeRankLabelEmpty, "rank label is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(member)
	set, ok := r.members[rank]
	if !ok {
		set = make(map[Member]struct{})
		r.members[rank] = set
	}
	set[member] = struct{}{}
	r.byMember[member] = rank
	return rank, nil
}

// Leave removes member from its current rank, if any.
func (r *Registry) Leave(member Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(member)
}

func (r *Registry) removeLocked(member Member) {
	rank, ok := r.byMember[member]
	if !ok {
		return
	}
	delete(r.byMember, member)
	set := r.members[rank]
	delete(set, member)
	if len(set) == 0 {
		delete(r.members, rank)
	}
}

// RankOf returns the rank member currently belongs to, if any.
func (r *Registry) RankOf(member Member) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rank, ok := r.byMember[member]
	return rank, ok
}

func (r *Registry) snapshot(rank string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[rank]
	members := make([]Member, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members
}

// Send persists a rank message for the sender's current rank and fans it out
// to every member, the sender included. When persistence fails the fan-out
// still happens with an unpersisted message and the returned error carries
// CodeRankPersistenceDegraded; callers treat it as a non-fatal warning.
func (r *Registry) Send(ctx context.Context, sender Member, senderID, content string) (storage.RankMessage, error) {
	if strings.TrimSpace(content) == "" {
		return storage.RankMessage{}, apperrors.New(apperrors.CodeMessageEmptyContent, "message content is required")
	}

	rank, ok := r.RankOf(sender)
	if !ok {
		return storage.RankMessage{}, apperrors.New(apperrors.CodeRankNotJoined, "sender has not joined a rank channel")
	}

	msg, storeErr := r.store.AppendRankMessage(ctx, rank, senderID, content)
	if storeErr != nil {
		msg = storage.RankMessage{
			ID:       id.MustNewID(),
			Rank:     rank,
			SenderID: senderID,
			Content:  content,
			SentAt:   timeNow(),
		}
	}

	r.broadcaster.Broadcast(rank, r.snapshot(rank), msg)

	if storeErr != nil {
		return msg, apperrors.Wrap(apperrors.CodeRankPersistenceDegraded, "rank message not persisted", storeErr)
	}
	return msg, nil
}
