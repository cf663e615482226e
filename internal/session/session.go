// Package session owns the mapping of user ids to authenticated broker
// sessions: lazy auto-login, absolute TTL expiry, and teardown.
package session

import (
	"sync"
	"time"

	"mervalmcp/internal/domain"
	"mervalmcp/internal/transport"
)

// Session is one authenticated connection to one broker for one user. The
// auth token is opaque and never logged.
type Session struct {
	userID   string
	brokerID string
	account  string
	token    string
	tr       transport.Transport

	createdAt time.Time
	ttl       time.Duration

	mu       sync.Mutex
	lastUsed time.Time
}

// UserID returns the owning user id.
func (s *Session) UserID() string { return s.userID }

// BrokerID returns the broker this session is connected to.
func (s *Session) BrokerID() string { return s.brokerID }

// Account returns the trading account bound to the session.
func (s *Session) Account() string { return s.account }

// Transport returns the session's gateway connection.
func (s *Session) Transport() transport.Transport { return s.tr }

// Valid reports whether the session is inside its absolute TTL. Touching a
// session refreshes last-used bookkeeping but never extends the TTL.
func (s *Session) Valid() bool {
	return time.Since(s.createdAt) < s.ttl
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// Status returns the caller-visible session state.
func (s *Session) Status() domain.SessionStatus {
	remaining := s.ttl - time.Since(s.createdAt)
	if remaining < 0 {
		remaining = 0
	}
	return domain.SessionStatus{
		Active:       s.Valid(),
		BrokerID:     s.brokerID,
		Account:      s.account,
		RemainingTTL: remaining,
	}
}
