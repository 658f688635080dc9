package gateway

import (
	"encoding/json"
	"sync"

	"github.com/harborlink/harborlink/internal/services/messaging/storage"
	"golang.org/x/net/websocket"
)

// outboundBuffer is the per-session async push capacity. Overflow drops the
// oldest queued envelope so a slow reader sheds realtime traffic instead of
// stalling the goroutine that produced it.
const outboundBuffer = 32

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) write(env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(env)
}

// session is one authenticated gateway connection. Direct replies to the
// session's own intents are written synchronously by its handler; envelopes
// produced by other sessions go through the bounded out channel and the
// writer goroutine.
type session struct {
	userID   string
	callSign string
	rank     string

	conn *websocket.Conn
	peer *wsPeer

	pushMu sync.Mutex
	out    chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, peer *wsPeer) *session {
	return &session{
		conn: conn,
		peer: peer,
		out:  make(chan Envelope, outboundBuffer),
		done: make(chan struct{}),
	}
}

// writeLoop drains the async push buffer onto the wire until the session
// closes. Run as a goroutine per session.
func (s *session) writeLoop() {
	for {
		select {
		case env := <-s.out:
			if err := s.peer.write(env); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// push queues an envelope for async delivery, dropping the oldest queued
// envelope when the buffer is full.
func (s *session) push(env Envelope) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.out <- env:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- env:
	default:
	}
}

// close tears the session down; safe to call from any goroutine, repeatedly.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// closeWithStatus sends a close frame with the given status before tearing
// the session down.
func (s *session) closeWithStatus(status int) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteClose(status)
		_ = s.conn.Close()
	})
}

// DeliverRankMessage implements rank.Member: rank broadcasts are async
// pushes like any other cross-session delivery.
func (s *session) DeliverRankMessage(msg storage.RankMessage) {
	s.push(Envelope{
		Kind:    KindNewRankMessage,
		Payload: mustJSON(newRankMessagePayload{Message: toWireRankMessage(msg)}),
	})
}
