package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/harborlink/harborlink/internal/services/messaging/storage"
)

// Envelope is the single frame shape on the websocket. Kind is the mandatory
// discriminator; the kind set below is closed and dispatch is one exhaustive
// switch at the boundary.
type Envelope struct {
	Kind      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server kinds.
const (
	KindAuth            = "auth"
	KindSendMessage     = "send_message"
	KindTyping          = "typing"
	KindJoinRankRoom    = "join_rank_room"
	KindSendRankMessage = "send_rank_message"
	KindPong            = "pong"
)

// Server-to-client kinds.
const (
	KindAuthSuccess    = "auth_success"
	KindAuthError      = "auth_error"
	KindNewMessage     = "new_message"
	KindMessageSent    = "message_sent"
	KindUserTyping     = "user_typing"
	KindRankRoomJoined = "rank_room_joined"
	KindNewRankMessage = "new_rank_message"
	KindError          = "error"
	KindPing           = "ping"
)

type authPayload struct {
	Token string `json:"token"`
}

type authSuccessPayload struct {
	UserID     string `json:"user_id"`
	CallSign   string `json:"call_sign,omitempty"`
	Rank       string `json:"rank,omitempty"`
	ServerTime string `json:"server_time"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

type sendMessagePayload struct {
	ConnectionID string `json:"connection_id,omitempty"`
	To           string `json:"to,omitempty"`
	Content      string `json:"content"`
}

type messageSentPayload struct {
	MessageID    string `json:"message_id"`
	ConnectionID string `json:"connection_id"`
	SentAt       string `json:"sent_at"`
}

type wireMessage struct {
	MessageID    string `json:"message_id"`
	ConnectionID string `json:"connection_id"`
	SenderID     string `json:"sender_id"`
	Content      string `json:"content"`
	SentAt       string `json:"sent_at"`
}

type newMessagePayload struct {
	Message wireMessage `json:"message"`
}

type typingPayload struct {
	ConnectionID string `json:"connection_id"`
	IsTyping     bool   `json:"is_typing"`
}

type userTypingPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	IsTyping     bool   `json:"is_typing"`
}

type joinRankRoomPayload struct {
	Rank string `json:"rank"`
}

type wireRankMessage struct {
	MessageID string `json:"message_id"`
	Rank      string `json:"rank"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	SentAt    string `json:"sent_at"`
}

type rankRoomJoinedPayload struct {
	Rank    string            `json:"rank"`
	History []wireRankMessage `json:"history,omitempty"`
}

type newRankMessagePayload struct {
	Message wireRankMessage `json:"message"`
}

type sendRankMessagePayload struct {
	Content string `json:"content"`
}

func toWireMessage(msg storage.Message) wireMessage {
	return wireMessage{
		MessageID:    msg.ID,
		ConnectionID: msg.ConnectionID,
		SenderID:     msg.SenderID,
		Content:      msg.Content,
		SentAt:       msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func toWireRankMessage(msg storage.RankMessage) wireRankMessage {
	return wireRankMessage{
		MessageID: msg.ID,
		Rank:      msg.Rank,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		SentAt:    msg.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket envelope payload: %v", err)
		return nil
	}
	return b
}
