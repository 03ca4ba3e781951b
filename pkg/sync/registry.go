package sync

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// Registry owns the per-session engine instances: one coordinator plus one
// change-feed subscription per signed-in user. It replaces a hidden global
// subscription map with an explicit object whose Shutdown cancels
// everything, so teardown is testable.
type Registry struct {
	remote     RemoteStore
	subscriber *Subscriber
	decrypt    DecryptFunc
	cacheDir   string
	debounce   time.Duration
	autoSync   bool

	openMu   sync.Mutex // serializes session construction
	mu       sync.Mutex
	sessions map[string]*Session
	caches   map[string]*LocalCache
	down     bool
}

// RegistryConfig holds registry dependencies
type RegistryConfig struct {
	Remote   RemoteStore
	Feed     Feed
	Decrypt  DecryptFunc
	CacheDir string        // empty keeps local caches memory-only
	Debounce time.Duration // 0 means DefaultDebounce
	AutoSync bool
}

// Session is the engine pair for one signed-in user. Multiple tabs of the
// same user attach listeners to the one session; each remote change is
// delivered once and fanned out.
type Session struct {
	UserID      string
	Coordinator *Coordinator
	handle      *CancelHandle

	mu        sync.Mutex
	listeners map[int]func(Update)
	nextID    int
}

// NewRegistry creates a registry; Shutdown must be called at process end
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		remote:   cfg.Remote,
		decrypt:  cfg.Decrypt,
		cacheDir: cfg.CacheDir,
		debounce: cfg.Debounce,
		autoSync: cfg.AutoSync,
		sessions: make(map[string]*Session),
		caches:   make(map[string]*LocalCache),
	}
	r.subscriber = NewSubscriber(cfg.Feed, r, cfg.Decrypt)
	return r
}

// Open returns the session for userID, creating coordinator, cache and
// subscription on first use. Idempotent per user.
func (r *Registry) Open(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("open session: empty user id")
	}

	// serialized construction: a concurrent Open for the same user must not
	// steal this session's subscription via idempotent re-subscribe
	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil, fmt.Errorf("open session: registry is shut down")
	}
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	cache := r.CacheFor(userID)
	s := &Session{UserID: userID, listeners: make(map[int]func(Update))}
	s.Coordinator = NewCoordinator(CoordinatorConfig{
		UserID:     userID,
		Remote:     r.remote,
		Cache:      cache,
		Debounce:   r.debounce,
		AutoSync:   r.autoSync,
		Authorized: func() bool { return r.isActive(userID) },
		OnConfirm:  func(doc domain.SettingsDocument) { r.confirmFlush(s, doc) },
	})
	s.handle = r.subscriber.Subscribe(userID, s.broadcast)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		s.handle.Cancel()
		s.Coordinator.Close()
		return nil, fmt.Errorf("open session: registry is shut down")
	}
	r.sessions[userID] = s
	return s, nil
}

// Get returns an open session without creating one
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// CloseUser tears down a user's session: subscription cancelled, debounce
// timer stopped, no write or callback fires afterwards. Pending unsaved
// edits are deliberately dropped, not flushed, for a signed-out user.
func (r *Registry) CloseUser(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Coordinator.Close()
	s.handle.Cancel()
}

// Shutdown cancels all open sessions; the registry refuses new ones after
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.down = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Coordinator.Close()
		s.handle.Cancel()
	}
}

// CacheFor returns the local cache owned by a user, creating it on first
// use. Implements CacheSource for the subscriber.
func (r *Registry) CacheFor(userID string) *LocalCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[userID]; ok {
		return c
	}

	path := ""
	if r.cacheDir != "" {
		path = filepath.Join(r.cacheDir, userID+".json")
	}
	c := NewLocalCache(path, nil)
	r.caches[userID] = c
	return c
}

// confirmFlush hands a locally flushed document to the session's listeners
// the same way a remote change arrives: gated by the cache's newer-wins
// rule. The change-feed echo of the write and this direct confirmation race
// for the cache slot; whichever wins is delivered, the other ties and drops,
// so listeners see the change exactly once.
func (r *Registry) confirmFlush(s *Session, doc domain.SettingsDocument) {
	if !r.CacheFor(doc.UserID).OfferRemote(doc) {
		return
	}
	keys, warns := decryptMaterial(r.decrypt, doc.UserID, doc.APIKeyMaterial)
	s.broadcast(Update{Doc: doc, ProviderKeys: keys, Warnings: warns})
}

// isActive reports whether a session is currently open for userID
func (r *Registry) isActive(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[userID]
	return ok
}

// AddListener attaches a delivery callback for this session, typically one
// per connected tab. The returned func detaches it.
func (s *Session) AddListener(fn func(Update)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// broadcast fans one normalized update out to all attached listeners
func (s *Session) broadcast(upd Update) {
	s.mu.Lock()
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(upd)
	}
}
