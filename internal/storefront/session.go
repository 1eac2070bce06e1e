package storefront

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/auth"
	"github.com/dluong/bloomshop/internal/backend"
	"github.com/dluong/bloomshop/internal/cart"
	"github.com/dluong/bloomshop/internal/checkout"
)

const (
	sessionCookie = "bloomshop_session"
	sessionIdle   = 2 * time.Hour
	sweepEvery    = 10 * time.Minute
)

// Session is the server-side stand-in for one shopper's browser tab: its own
// cart store, sync queue, credential triple and backend client.
type Session struct {
	ID       string
	Cart     *cart.Store
	Creds    *auth.MemoryStore
	Client   *backend.Client
	Checkout *checkout.Service

	syncer   *cart.Syncer
	cancel   context.CancelFunc
	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// close stops the session's sync goroutine.
func (s *Session) close() {
	s.cancel()
}

// Manager hands out sessions keyed by cookie and reaps the idle ones.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	backendURL string
	logger     *logrus.Logger
}

func NewManager(backendURL string, logger *logrus.Logger) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		backendURL: backendURL,
		logger:     logger,
	}
}

// Session returns the caller's session, creating one (and setting the cookie)
// on first contact.
func (m *Manager) Session(w http.ResponseWriter, r *http.Request) *Session {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		m.mu.Lock()
		sess, ok := m.sessions[cookie.Value]
		m.mu.Unlock()
		if ok {
			sess.touch()
			return sess
		}
	}

	sess := m.newSession()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

func (m *Manager) newSession() *Session {
	creds := auth.NewMemoryStore()
	client := backend.NewClient(m.backendURL, creds, m.logger)

	store := cart.NewStore(m.logger)
	syncer := cart.NewSyncer(client, m.logger)
	store.SetOnChange(syncer.Enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	go syncer.Run(ctx)

	sess := &Session{
		ID:       uuid.New().String(),
		Cart:     store,
		Creds:    creds,
		Client:   client,
		Checkout: checkout.NewService(client, m.logger),
		syncer:   syncer,
		cancel:   cancel,
		lastSeen: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.WithField("session_id", sess.ID).Debug("Created session")
	return sess
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-sessionIdle)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.close()
	}
	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("Reaped idle sessions")
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		delete(m.sessions, id)
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// Count reports live sessions, for the health endpoint.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
