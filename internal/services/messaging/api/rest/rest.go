// Package rest serves the bootstrap HTTP surface clients use around the
// websocket: connection listings, message history, unread counts, and the
// connection lifecycle actions.
package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
	"github.com/harborlink/harborlink/internal/services/messaging/identity"
	"github.com/harborlink/harborlink/internal/services/messaging/storage"
)

// PresenceReader reports whether an identity has a live gateway session.
type PresenceReader interface {
	Online(identity string) bool
}

// Handler serves the /v1 REST routes.
type Handler struct {
	connections storage.ConnectionStore
	messages    storage.MessageStore
	resolver    identity.Resolver
	presence    PresenceReader
}

// New builds the REST handler. Presence is optional; without it every peer
// reports offline.
func New(connections storage.ConnectionStore, messages storage.MessageStore, resolver identity.Resolver, presence PresenceReader) (*Handler, error) {
	if connections == nil || messages == nil {
		return nil, errors.New("messaging stores are required")
	}
	if resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	return &Handler{
		connections: connections,
		messages:    messages,
		resolver:    resolver,
		presence:    presence,
	}, nil
}

// Register installs the /v1 routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/connections", h.requireIdentity(http.MethodGet, h.listConnections))
	mux.HandleFunc("/v1/messages", h.requireIdentity(http.MethodGet, h.listMessages))
	mux.HandleFunc("/v1/unread", h.requireIdentity(http.MethodGet, h.listUnread))
	mux.HandleFunc("/v1/connections/accept", h.requireIdentity(http.MethodPost, h.acceptConnection))
	mux.HandleFunc("/v1/connections/reject", h.requireIdentity(http.MethodPost, h.rejectConnection))
	mux.HandleFunc("/v1/connections/block", h.requireIdentity(http.MethodPost, h.blockConnection))
	mux.HandleFunc("/v1/connections/unblock", h.requireIdentity(http.MethodPost, h.unblockConnection))
	mux.HandleFunc("/v1/messages/read", h.requireIdentity(http.MethodPost, h.markRead))
}

type identityHandler func(w http.ResponseWriter, r *http.Request, caller identity.Identity)

func (h *Handler) requireIdentity(method string, next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
			return
		}
		caller, err := h.resolver.Resolve(r.Context(), token)
		if err != nil {
			log.Printf("rest: identity resolution failed remote=%s err=%v", r.RemoteAddr, err)
			writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
			return
		}
		next(w, r, caller)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

type wireConnection struct {
	ConnectionID string `json:"connection_id"`
	Peer         string `json:"peer"`
	RequestedBy  string `json:"requested_by"`
	Status       string `json:"status"`
	BlockedBy    string `json:"blocked_by,omitempty"`
	CreatedAt    string `json:"created_at"`
	AcceptedAt   string `json:"accepted_at,omitempty"`
	LastActivity string `json:"last_activity"`
	PeerOnline   bool   `json:"peer_online"`
}

func (h *Handler) toWireConnection(conn storage.Connection, caller string) wireConnection {
	peer := conn.Peer(caller)
	wire := wireConnection{
		ConnectionID: conn.ID,
		Peer:         peer,
		RequestedBy:  conn.RequestedBy,
		Status:       string(conn.Status),
		BlockedBy:    conn.BlockedBy,
		CreatedAt:    conn.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: conn.LastActivity.UTC().Format(time.RFC3339Nano),
	}
	if !conn.AcceptedAt.IsZero() {
		wire.AcceptedAt = conn.AcceptedAt.UTC().Format(time.RFC3339)
	}
	if h.presence != nil {
		wire.PeerOnline = h.presence.Online(peer)
	}
	return wire
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connections, err := h.connections.ListForIdentity(r.Context(), caller.UserID)
	if err != nil {
		log.Printf("rest: list connections failed user=%s err=%v", caller.UserID, err)
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "connection listing unavailable"))
		return
	}

	wire := make([]wireConnection, 0, len(connections))
	for _, conn := range connections {
		wire = append(wire, h.toWireConnection(conn, caller.UserID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": wire})
}

type wireMessage struct {
	MessageID    string `json:"message_id"`
	ConnectionID string `json:"connection_id"`
	SenderID     string `json:"sender_id"`
	Content      string `json:"content"`
	SentAt       string `json:"sent_at"`
	IsRead       bool   `json:"is_read"`
	IsDelivered  bool   `json:"is_delivered"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connectionID := strings.TrimSpace(r.URL.Query().Get("connection_id"))
	if connectionID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "connection_id is required"))
		return
	}

	conn, err := h.connections.GetConnection(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeConnectionNotFound, "connection not found"))
			return
		}
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "connection lookup unavailable"))
		return
	}
	if !conn.HasParty(caller.UserID) {
		writeError(w, apperrors.New(apperrors.CodeConnectionNotParticipant, "caller is not a connection party"))
		return
	}

	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "since must be RFC 3339"))
			return
		}
		since = parsed
	}

	messages, err := h.messages.ListByConnection(r.Context(), connectionID, since)
	if err != nil {
		log.Printf("rest: list messages failed connection=%s err=%v", connectionID, err)
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "message listing unavailable"))
		return
	}

	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, wireMessage{
			MessageID:    msg.ID,
			ConnectionID: msg.ConnectionID,
			SenderID:     msg.SenderID,
			Content:      msg.Content,
			SentAt:       msg.SentAt.UTC().Format(time.RFC3339Nano),
			IsRead:       msg.IsRead,
			IsDelivered:  msg.IsDelivered,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": wire})
}

func (h *Handler) listUnread(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	counts, err := h.messages.UnreadCountsByConnection(r.Context(), caller.UserID)
	if err != nil {
		log.Printf("rest: unread counts failed user=%s err=%v", caller.UserID, err)
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "unread counts unavailable"))
		return
	}

	type wireCount struct {
		ConnectionID string `json:"connection_id"`
		Count        int64  `json:"count"`
	}
	wire := make([]wireCount, 0, len(counts))
	for _, count := range counts {
		wire = append(wire, wireCount{ConnectionID: count.ConnectionID, Count: count.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": wire})
}

type connectionActionRequest struct {
	ConnectionID string `json:"connection_id"`
}

func decodeConnectionAction(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req connectionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid request body"))
		return "", false
	}
	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "connection_id is required"))
		return "", false
	}
	return connectionID, true
}

// loadForActor returns the connection when caller is a party of it.
func (h *Handler) loadForActor(w http.ResponseWriter, r *http.Request, connectionID, caller string) (storage.Connection, bool) {
	conn, err := h.connections.GetConnection(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeConnectionNotFound, "connection not found"))
			return storage.Connection{}, false
		}
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "connection lookup unavailable"))
		return storage.Connection{}, false
	}
	if !conn.HasParty(caller) {
		writeError(w, apperrors.New(apperrors.CodeConnectionNotParticipant, "caller is not a connection party"))
		return storage.Connection{}, false
	}
	return conn, true
}

func (h *Handler) acceptConnection(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connectionID, ok := decodeConnectionAction(w, r)
	if !ok {
		return
	}
	conn, ok := h.loadForActor(w, r, connectionID, caller.UserID)
	if !ok {
		return
	}
	if conn.Receiver() != caller.UserID {
		writeError(w, apperrors.New(apperrors.CodeConnectionActorNotReceiver, "only the receiving party may accept"))
		return
	}

	updated, err := h.connections.Accept(r.Context(), connectionID)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": h.toWireConnection(updated, caller.UserID)})
}

func (h *Handler) rejectConnection(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connectionID, ok := decodeConnectionAction(w, r)
	if !ok {
		return
	}
	conn, ok := h.loadForActor(w, r, connectionID, caller.UserID)
	if !ok {
		return
	}
	if conn.Receiver() != caller.UserID {
		writeError(w, apperrors.New(apperrors.CodeConnectionActorNotReceiver, "only the receiving party may reject"))
		return
	}

	updated, err := h.connections.Reject(r.Context(), connectionID)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": h.toWireConnection(updated, caller.UserID)})
}

func (h *Handler) blockConnection(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connectionID, ok := decodeConnectionAction(w, r)
	if !ok {
		return
	}
	if _, ok := h.loadForActor(w, r, connectionID, caller.UserID); !ok {
		return
	}

	updated, err := h.connections.Block(r.Context(), connectionID, caller.UserID)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": h.toWireConnection(updated, caller.UserID)})
}

func (h *Handler) unblockConnection(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	connectionID, ok := decodeConnectionAction(w, r)
	if !ok {
		return
	}
	if _, ok := h.loadForActor(w, r, connectionID, caller.UserID); !ok {
		return
	}

	updated, err := h.connections.Unblock(r.Context(), connectionID, caller.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotBlocker) {
			writeError(w, apperrors.New(apperrors.CodeConnectionNotBlocker, "only the blocking party may unblock"))
			return
		}
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": h.toWireConnection(updated, caller.UserID)})
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid request body"))
		return
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "message_id is required"))
		return
	}

	if err := h.messages.MarkRead(r.Context(), messageID, caller.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.CodeMessageNotFound, "message not found"))
			return
		}
		log.Printf("rest: mark read failed message=%s err=%v", messageID, err)
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "mark read unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeTransitionError(w http.ResponseWriter, err error) {
	var transitionErr *storage.TransitionError
	if errors.As(err, &transitionErr) {
		writeError(w, apperrors.WithMetadata(
			apperrors.CodeConnectionInvalidTransition,
			"invalid connection transition",
			map[string]string{"From": string(transitionErr.From), "To": string(transitionErr.To)},
		))
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, apperrors.New(apperrors.CodeConnectionNotFound, "connection not found"))
		return
	}
	log.Printf("rest: connection transition failed: %v", err)
	writeError(w, apperrors.New(apperrors.CodeUnavailable, "connection transition unavailable"))
}

func writeError(w http.ResponseWriter, appErr *apperrors.Error) {
	writeJSON(w, appErr.Code.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"code":    string(appErr.Code),
			"message": appErr.Message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("rest: encode response failed: %v", err)
	}
}
