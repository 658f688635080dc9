// Package gateway hosts the realtime websocket surface: session auth,
// presence, 1:1 message delivery, typing relay, and rank channel traffic.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
	"github.com/harborlink/harborlink/internal/platform/id"
	"github.com/harborlink/harborlink/internal/platform/timeouts"
	"github.com/harborlink/harborlink/internal/services/messaging/identity"
	"github.com/harborlink/harborlink/internal/services/messaging/rank"
	"github.com/harborlink/harborlink/internal/services/messaging/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageContentRunes = 2000

	rankHistoryLimit = 50

	closeStatusNormal          = 1000
	closeStatusPolicyViolation = 1008
)

// keyedMutex serializes work per connection key so a status check and the
// append that follows it cannot interleave with a lifecycle transition.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		k.locks[key] = entry
	}
	k.mu.Unlock()

	entry.Lock()
	return entry.Unlock
}

// Options wires the gateway's collaborators.
type Options struct {
	Connections  storage.ConnectionStore
	Messages     storage.MessageStore
	RankMessages storage.RankMessageStore
	Resolver     identity.Resolver
	Presence     *Presence
	Ranks        *rank.Registry

	// PingInterval is how often the server sends ping envelopes;
	// IdleTimeout closes a session with no inbound traffic.
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

// Gateway is the websocket boundary over the messaging stores.
type Gateway struct {
	connections  storage.ConnectionStore
	messages     storage.MessageStore
	rankMessages storage.RankMessageStore
	resolver     identity.Resolver
	presence     *Presence
	ranks        *rank.Registry

	pingInterval time.Duration
	idleTimeout  time.Duration

	connLocks keyedMutex
}

// New builds a gateway. Presence defaults to a fresh registry; heartbeat
// intervals default to the platform timeouts.
func New(opts Options) (*Gateway, error) {
	if opts.Connections == nil || opts.Messages == nil || opts.RankMessages == nil {
		return nil, errors.New("messaging stores are required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	if opts.Ranks == nil {
		return nil, errors.New("rank registry is required")
	}
	if opts.Presence == nil {
		opts.Presence = NewPresence()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = timeouts.SessionPing
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = timeouts.SessionIdle
	}
	return &Gateway{
		connections:  opts.Connections,
		messages:     opts.Messages,
		rankMessages: opts.RankMessages,
		resolver:     opts.Resolver,
		presence:     opts.Presence,
		ranks:        opts.Ranks,
		pingInterval: opts.PingInterval,
		idleTimeout:  opts.IdleTimeout,
	}, nil
}

// Presence exposes the gateway's presence registry for the REST surface.
func (g *Gateway) PresenceRegistry() *Presence {
	return g.presence
}

// Handler returns the websocket endpoint handler.
func (g *Gateway) Handler() http.Handler {
	wsHandler := websocket.Handler(g.handleConn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleConn(conn *websocket.Conn) {
	peer := newWSPeer(json.NewEncoder(conn))
	sess := newSession(conn, peer)
	defer sess.close()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	decoder := json.NewDecoder(conn)
	g.refreshDeadline(conn)

	if !g.authenticate(ctx, sess, decoder) {
		return
	}

	prior := g.presence.Register(sess.userID, sess)
	if prior != nil {
		prior.closeWithStatus(closeStatusNormal)
	}
	defer func() {
		g.ranks.Leave(sess)
		g.presence.RemoveIfCurrent(sess.userID, sess)
	}()

	_ = sess.peer.write(Envelope{
		Kind: KindAuthSuccess,
		Payload: mustJSON(authSuccessPayload{
			UserID:     sess.userID,
			CallSign:   sess.callSign,
			Rank:       sess.rank,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})

	go sess.writeLoop()
	go g.heartbeat(sess)

	g.readLoop(ctx, sess, decoder)
}

// authenticate enforces auth-first: the opening envelope must be a valid
// auth intent or the session gets one auth_error and a policy close.
func (g *Gateway) authenticate(ctx context.Context, sess *session, decoder *json.Decoder) bool {
	var env Envelope
	if err := decoder.Decode(&env); err != nil {
		if !errors.Is(err, io.EOF) {
			g.authFailure(sess, "", "invalid envelope")
		}
		return false
	}
	if env.Kind != KindAuth {
		g.authFailure(sess, env.RequestID, "first envelope must be auth")
		return false
	}

	var payload authPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		g.authFailure(sess, env.RequestID, "invalid auth payload")
		return false
	}

	resolveCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityResolve)
	ident, err := g.resolver.Resolve(resolveCtx, payload.Token)
	cancel()
	if err != nil {
		log.Printf("gateway: auth failed remote=%s err=%v", remoteAddr(sess.conn), err)
		g.authFailure(sess, env.RequestID, "authentication failed")
		return false
	}

	sess.userID = ident.UserID
	sess.callSign = ident.CallSign
	sess.rank = ident.Rank
	return true
}

func (g *Gateway) authFailure(sess *session, requestID, message string) {
	_ = sess.peer.write(Envelope{
		Kind:      KindAuthError,
		RequestID: requestID,
		Payload: mustJSON(errorPayload{
			Code:    string(apperrors.CodeUnauthenticated),
			Message: message,
		}),
	})
	sess.closeWithStatus(closeStatusPolicyViolation)
}

// heartbeat pushes ping envelopes until the session closes. The read
// deadline refreshed by any inbound envelope is the liveness check; the
// pings just prompt quiet clients to produce one.
func (g *Gateway) heartbeat(sess *session) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sess.push(Envelope{Kind: KindPing})
		case <-sess.done:
			return
		}
	}
}

func (g *Gateway) refreshDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
}

// readLoop handles envelopes strictly sequentially per session.
func (g *Gateway) readLoop(ctx context.Context, sess *session, decoder *json.Decoder) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var env Envelope
		if err := decoder.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-sess.done:
				return
			default:
			}
			if isTimeout(err) {
				log.Printf("gateway: closing idle session user=%s", sess.userID)
				return
			}
			decodeErrors++
			g.writeError(sess, "", apperrors.CodeInvalidArgument, "invalid envelope")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		g.refreshDeadline(sess.conn)

		if len(env.Payload) > maxFramePayloadBytes {
			g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			g.writeError(sess, env.RequestID, apperrors.CodeRateLimited, "rate limit exceeded")
			sess.closeWithStatus(closeStatusPolicyViolation)
			return
		}

		switch env.Kind {
		case KindAuth:
			g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "session is already authenticated")
		case KindSendMessage:
			g.handleSendMessage(ctx, sess, env)
		case KindTyping:
			g.handleTyping(ctx, sess, env)
		case KindJoinRankRoom:
			g.handleJoinRankRoom(ctx, sess, env)
		case KindSendRankMessage:
			g.handleSendRankMessage(ctx, sess, env)
		case KindPong:
			// Deadline already refreshed; nothing else to do.
		default:
			g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "unsupported envelope type")
		}
	}
}

// handleSendMessage records and delivers one 1:1 message. The payload
// addresses either an existing connection by id or a peer identity, in
// which case a missing connection is created as a pending request.
func (g *Gateway) handleSendMessage(ctx context.Context, sess *session, env Envelope) {
	var payload sendMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "invalid send_message payload")
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		g.writeError(sess, env.RequestID, apperrors.CodeMessageEmptyContent, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > maxMessageContentRunes {
		g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "content must be at most 2000 characters")
		return
	}

	conn, ok := g.resolveTargetConnection(ctx, sess, env.RequestID, payload)
	if !ok {
		return
	}

	unlock := g.connLocks.lock(conn.ID)
	defer unlock()

	// Re-read under the connection lock so a transition that raced the
	// lookup is observed before anything is appended.
	conn, err := g.connections.GetConnection(ctx, conn.ID)
	if err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeConnectionNotFound, "connection not found")
		return
	}

	if conn.Status == storage.ConnectionBlocked && conn.BlockedBy != sess.userID {
		// The blocked party gets a synthetic ack. Nothing is persisted and
		// the blocker never learns a send was attempted.
		_ = sess.peer.write(Envelope{
			Kind:      KindMessageSent,
			RequestID: env.RequestID,
			Payload: mustJSON(messageSentPayload{
				MessageID:    id.MustNewID(),
				ConnectionID: conn.ID,
				SentAt:       time.Now().UTC().Format(time.RFC3339Nano),
			}),
		})
		return
	}
	if conn.Status == storage.ConnectionRejected {
		g.writeError(sess, env.RequestID, apperrors.CodeConnectionInvalidTransition, "connection is rejected")
		return
	}

	msg, err := g.messages.Append(ctx, conn.ID, sess.userID, content)
	if err != nil {
		log.Printf("gateway: append message failed connection=%s user=%s err=%v", conn.ID, sess.userID, err)
		g.writeError(sess, env.RequestID, apperrors.CodeUnavailable, "message persistence unavailable")
		return
	}

	_ = sess.peer.write(Envelope{
		Kind:      KindMessageSent,
		RequestID: env.RequestID,
		Payload: mustJSON(messageSentPayload{
			MessageID:    msg.ID,
			ConnectionID: msg.ConnectionID,
			SentAt:       msg.SentAt.UTC().Format(time.RFC3339Nano),
		}),
	})

	peerID := conn.Peer(sess.userID)
	peerSession, online := g.presence.Get(peerID)
	if !online {
		return
	}
	peerSession.push(Envelope{
		Kind:    KindNewMessage,
		Payload: mustJSON(newMessagePayload{Message: toWireMessage(msg)}),
	})
	if err := g.messages.MarkDelivered(ctx, msg.ID); err != nil {
		log.Printf("gateway: mark delivered failed message=%s err=%v", msg.ID, err)
	}
}

func (g *Gateway) resolveTargetConnection(ctx context.Context, sess *session, requestID string, payload sendMessagePayload) (storage.Connection, bool) {
	connectionID := strings.TrimSpace(payload.ConnectionID)
	to := strings.TrimSpace(payload.To)

	switch {
	case connectionID != "":
		conn, err := g.connections.GetConnection(ctx, connectionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				g.writeError(sess, requestID, apperrors.CodeConnectionNotFound, "connection not found")
			} else {
				g.writeError(sess, requestID, apperrors.CodeUnavailable, "connection lookup unavailable")
			}
			return storage.Connection{}, false
		}
		if !conn.HasParty(sess.userID) {
			g.writeError(sess, requestID, apperrors.CodeConnectionNotParticipant, "sender is not a connection party")
			return storage.Connection{}, false
		}
		return conn, true

	case to != "":
		conn, err := g.connections.GetOrCreate(ctx, sess.userID, to)
		if err != nil {
			if errors.Is(err, storage.ErrSelfConnection) {
				g.writeError(sess, requestID, apperrors.CodeConnectionSelf, "cannot open a connection to yourself")
			} else {
				g.writeError(sess, requestID, apperrors.CodeUnavailable, "connection lookup unavailable")
			}
			return storage.Connection{}, false
		}
		return conn, true

	default:
		g.writeError(sess, requestID, apperrors.CodeInvalidArgument, "connection_id or to is required")
		return storage.Connection{}, false
	}
}

// handleTyping relays a typing signal to the peer. Typing is unpersisted
// and unacknowledged: semantic failures are dropped silently so the relay
// never leaks connection state to a party that should not see it.
func (g *Gateway) handleTyping(ctx context.Context, sess *session, env Envelope) {
	var payload typingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "invalid typing payload")
		return
	}

	connectionID := strings.TrimSpace(payload.ConnectionID)
	if connectionID == "" {
		return
	}
	conn, err := g.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return
	}
	if !conn.HasParty(sess.userID) {
		return
	}
	if conn.Status == storage.ConnectionBlocked || conn.Status == storage.ConnectionRejected {
		return
	}

	peerSession, online := g.presence.Get(conn.Peer(sess.userID))
	if !online {
		return
	}
	peerSession.push(Envelope{
		Kind: KindUserTyping,
		Payload: mustJSON(userTypingPayload{
			ConnectionID: conn.ID,
			UserID:       sess.userID,
			IsTyping:     payload.IsTyping,
		}),
	})
}

func (g *Gateway) handleJoinRankRoom(ctx context.Context, sess *session, env Envelope) {
	var payload joinRankRoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "invalid join_rank_room payload")
		return
	}

	label, err := g.ranks.Join(sess, payload.Rank)
	if err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeOf(err), "rank label is required")
		return
	}

	joined := rankRoomJoinedPayload{Rank: label}
	history, err := g.rankMessages.ListByRank(ctx, label, rankHistoryLimit)
	if err != nil {
		log.Printf("gateway: rank history lookup failed rank=%s err=%v", label, err)
	} else {
		joined.History = make([]wireRankMessage, 0, len(history))
		for _, msg := range history {
			joined.History = append(joined.History, toWireRankMessage(msg))
		}
	}

	_ = sess.peer.write(Envelope{
		Kind:      KindRankRoomJoined,
		RequestID: env.RequestID,
		Payload:   mustJSON(joined),
	})
}

func (g *Gateway) handleSendRankMessage(ctx context.Context, sess *session, env Envelope) {
	var payload sendRankMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		g.writeError(sess, env.RequestID, apperrors.CodeInvalidArgument, "invalid send_rank_message payload")
		return
	}

	_, err := g.ranks.Send(ctx, sess, sess.userID, payload.Content)
	if err == nil {
		// The sender is a member of the rank and receives the broadcast;
		// no separate ack.
		return
	}

	code := apperrors.CodeOf(err)
	if code == apperrors.CodeRankPersistenceDegraded {
		log.Printf("gateway: rank message persistence degraded user=%s err=%v", sess.userID, err)
		_ = sess.peer.write(Envelope{
			Kind:      KindError,
			RequestID: env.RequestID,
			Payload: mustJSON(errorPayload{
				Code:    string(code),
				Message: "rank message delivered but not persisted",
				Warning: true,
			}),
		})
		return
	}
	g.writeError(sess, env.RequestID, code, "rank message rejected")
}

// writeError emits exactly one error envelope for a failed intent. Only the
// stable code and a static message cross the wire.
func (g *Gateway) writeError(sess *session, requestID string, code apperrors.Code, message string) {
	_ = sess.peer.write(Envelope{
		Kind:      KindError,
		RequestID: requestID,
		Payload: mustJSON(errorPayload{
			Code:    string(code),
			Message: message,
		}),
	})
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func remoteAddr(conn *websocket.Conn) string {
	if conn == nil {
		return ""
	}
	if request := conn.Request(); request != nil {
		return request.RemoteAddr
	}
	return ""
}
