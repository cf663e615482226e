package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mervalmcp/internal/config"
	"mervalmcp/internal/domain"
	"mervalmcp/internal/transport"
)

// Registry guarantees at most one live session per user id. Expired
// sessions are detected lazily on the next access and replaced with exactly
// one fresh login attempt.
type Registry struct {
	cfg      *config.Config
	factory  transport.Factory
	handlers transport.Handlers
	log      *slog.Logger

	// onReplace is invoked with the user and transport of a session that
	// has been replaced or destroyed, so dependent state (subscriptions,
	// pending orders) can be invalidated.
	onReplace func(userID string, tr transport.Transport)

	mu        sync.Mutex
	sessions  map[string]*Session
	userLocks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry. The factory builds one transport
// per login; handlers receive that transport's push events.
func NewRegistry(cfg *config.Config, factory transport.Factory, h transport.Handlers, log *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		factory:   factory,
		handlers:  h,
		log:       log,
		sessions:  make(map[string]*Session),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// SetOnReplace registers the invalidation hook fired when a session's
// transport is torn down.
func (r *Registry) SetOnReplace(fn func(userID string, tr transport.Transport)) {
	r.onReplace = fn
}

// ResolveUser maps an empty user id onto the configured default account.
func (r *Registry) ResolveUser(userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	def, ok := r.cfg.DefaultUser()
	if !ok {
		return "", &domain.ConfigurationError{What: "no user id given and no default account configured"}
	}
	return def, nil
}

// EnsureSession returns a valid session for the user, performing auto-login
// with resolved credentials when none exists or the existing one has
// expired. Login is attempted at most once per call; a failure is surfaced,
// never retried in a loop.
func (r *Registry) EnsureSession(ctx context.Context, userID string) (*Session, error) {
	userID, err := r.ResolveUser(userID)
	if err != nil {
		return nil, err
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if s := r.lookup(userID); s != nil && s.Valid() {
		s.Touch()
		return s, nil
	}

	brokerID, creds, err := r.cfg.GetUserAccount(userID)
	if err != nil {
		return nil, err
	}

	r.log.Info("auto-login", "user", userID, "broker", brokerID)
	return r.login(ctx, userID, brokerID, creds)
}

// Login performs an explicit login, replacing any existing session for the
// user with a fresh one.
func (r *Registry) Login(ctx context.Context, userID string, creds domain.Credentials, brokerID string) (*Session, error) {
	userID, err := r.ResolveUser(userID)
	if err != nil {
		return nil, err
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	return r.login(ctx, userID, brokerID, creds)
}

// login performs exactly one authentication round-trip and installs the
// resulting session. Callers hold the per-user lock.
func (r *Registry) login(ctx context.Context, userID, brokerID string, creds domain.Credentials) (*Session, error) {
	brokerID, broker, err := r.cfg.GetBrokerConfig(brokerID)
	if err != nil {
		return nil, err
	}
	if creds.Environment == "" {
		creds.Environment = broker.Environment
	}

	tr := r.factory(brokerID, broker, r.handlers, r.log)
	token, err := tr.Authenticate(ctx, creds)
	if err != nil {
		_ = tr.Close()
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &domain.AuthenticationError{UserID: userID, Err: err}
	}

	s := &Session{
		userID:    userID,
		brokerID:  brokerID,
		account:   creds.Account,
		token:     token,
		tr:        tr,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		ttl:       r.cfg.SessionTTL(),
	}

	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if old != nil {
		r.discard(old)
	}

	r.log.Info("session established", "user", userID, "broker", brokerID, "account", creds.Account)
	return s, nil
}

// Logout destroys the user's session and releases the transport.
// Best-effort: a transport that is already closed is logged, not surfaced.
func (r *Registry) Logout(userID string) {
	userID, err := r.ResolveUser(userID)
	if err != nil {
		return
	}

	r.mu.Lock()
	s := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if s == nil {
		return
	}
	r.discard(s)
	r.log.Info("session closed", "user", userID)
}

// Status reports the session state for a user without triggering a login.
func (r *Registry) Status(userID string) domain.SessionStatus {
	userID, err := r.ResolveUser(userID)
	if err != nil {
		return domain.SessionStatus{}
	}
	if s := r.lookup(userID); s != nil {
		return s.Status()
	}
	return domain.SessionStatus{Active: false}
}

// Count returns the number of stored sessions, valid or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes expired sessions and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if !s.Valid() {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.discard(s)
		r.log.Info("expired session swept", "user", s.userID)
	}
	return len(expired)
}

// Close releases every session. Sessions are transient: nothing survives a
// restart.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.discard(s)
	}
}

func (r *Registry) discard(s *Session) {
	if err := s.tr.Close(); err != nil {
		r.log.Warn("closing session transport", "user", s.userID, "error", err)
	}
	if r.onReplace != nil {
		r.onReplace(s.userID, s.tr)
	}
}

func (r *Registry) lookup(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	return lock
}
