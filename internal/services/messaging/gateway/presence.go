package gateway

import "sync"

// Presence maps authenticated identities to their live session. At most one
// session per identity: a re-auth replaces the prior session, which gets
// closed by the caller.
type Presence struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewPresence builds an empty presence registry.
func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]*session)}
}

// Register installs s as the live session for identity and returns the
// session it replaced, if any.
func (p *Presence) Register(identity string, s *session) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	prior := p.sessions[identity]
	p.sessions[identity] = s
	if prior == s {
		return nil
	}
	return prior
}

// Get returns the live session for identity.
func (p *Presence) Get(identity string) (*session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[identity]
	return s, ok
}

// RemoveIfCurrent removes identity's entry only when s is still the
// registered session. A replaced session closing late must not evict its
// replacement.
func (p *Presence) RemoveIfCurrent(identity string, s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.sessions[identity]
	if !ok || current != s {
		return false
	}
	delete(p.sessions, identity)
	return true
}

// Online reports whether identity has a live session.
func (p *Presence) Online(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[identity]
	return ok
}
