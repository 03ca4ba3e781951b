package sync

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// RemoteStore is the authoritative settings store: point upsert-by-key and
// point fetch-by-key, authorization enforced by the store
type RemoteStore interface {
	Upsert(ctx context.Context, userID string, partial map[string]any, keyUpdates map[string][]byte) (domain.SettingsDocument, error)
	Get(ctx context.Context, userID string) (domain.SettingsDocument, error)
}

// State is the coordinator's externally visible sync state
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Status is a snapshot of the coordinator's state, updated synchronously on
// every transition so a UI can render saved/saving/failed without polling
type Status struct {
	State             State
	HasUnsavedChanges bool
	Err               string
}

// DefaultDebounce is the quiet window that coalesces bursts of local edits
// into a single remote write
const DefaultDebounce = 2 * time.Second

// CoordinatorConfig holds the dependencies and knobs for a Coordinator
type CoordinatorConfig struct {
	UserID   string
	Remote   RemoteStore
	Cache    *LocalCache
	Debounce time.Duration // 0 means DefaultDebounce
	AutoSync bool          // schedule a debounced flush after each edit

	// Authorized reports whether the owning session is still active; nil
	// means always authorized. Checked before any remote call.
	Authorized func() bool

	// OnStatus, if set, is invoked synchronously on every status transition
	OnStatus func(Status)

	// OnConfirm, if set, receives the server-confirmed document after each
	// successful flush and takes over reconciling it with the cache; nil
	// means the coordinator stores the document itself
	OnConfirm func(domain.SettingsDocument)
}

// Coordinator is the only engine component user-facing code talks to. It
// buffers local edits, serializes them into remote writes and reconciles the
// confirmed result with the local cache. One in-flight flush at a time: a
// concurrent Flush blocks until the first completes.
type Coordinator struct {
	userID     string
	remote     RemoteStore
	cache      *LocalCache
	debounce   time.Duration
	autoSync   bool
	authorized func() bool
	onStatus   func(Status)
	onConfirm  func(domain.SettingsDocument)

	mu           sync.Mutex // guards pending buffers, timer, status, closed
	pendingPrefs map[string]any
	pendingKeys  map[string][]byte
	timer        *time.Timer
	closed       bool
	status       Status

	flushMu sync.Mutex // serializes Flush and ForceRefresh
}

// NewCoordinator creates a coordinator for one user's session
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Coordinator{
		userID:       cfg.UserID,
		remote:       cfg.Remote,
		cache:        cfg.Cache,
		debounce:     cfg.Debounce,
		autoSync:     cfg.AutoSync,
		authorized:   cfg.Authorized,
		onStatus:     cfg.OnStatus,
		onConfirm:    cfg.OnConfirm,
		pendingPrefs: make(map[string]any),
		pendingKeys:  make(map[string][]byte),
		status:       Status{State: StateIdle},
	}
}

// ApplyLocalEdit merges partial into the pending buffer, shallow with
// last-write-per-key-wins, and arms the debounce timer when auto-sync is on.
// Never blocks.
func (c *Coordinator) ApplyLocalEdit(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for k, v := range partial {
		c.pendingPrefs[k] = v
	}
	c.setStatusLocked(Status{State: StatePending, HasUnsavedChanges: true})
	c.armTimerLocked()
}

// SetProviderKey buffers a sealed credential update for one provider; a nil
// blob removes the credential. Follows the same debounce discipline as
// preference edits.
func (c *Coordinator) SetProviderKey(provider string, sealed []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.pendingKeys[provider] = sealed
	c.setStatusLocked(Status{State: StatePending, HasUnsavedChanges: true})
	c.armTimerLocked()
}

// Flush sends the pending buffer as one remote write. On success the
// server-confirmed document overwrites the cache (the server's UpdatedAt is
// authoritative, not this host's clock) and confirmed edits leave the
// buffer. On failure the buffer is kept intact so an explicit retry resends
// exactly what was not confirmed; there is no automatic retry.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.stopTimerLocked()
	if c.closed {
		c.mu.Unlock()
		return ErrUnauthenticated
	}
	if c.authorized != nil && !c.authorized() {
		c.setStatusLocked(Status{State: StateError, HasUnsavedChanges: len(c.pendingPrefs)+len(c.pendingKeys) > 0, Err: ErrUnauthenticated.Error()})
		c.mu.Unlock()
		return ErrUnauthenticated
	}
	if len(c.pendingPrefs) == 0 && len(c.pendingKeys) == 0 {
		c.setStatusLocked(Status{State: StateIdle})
		c.mu.Unlock()
		return nil
	}

	prefs := make(map[string]any, len(c.pendingPrefs))
	for k, v := range c.pendingPrefs {
		prefs[k] = v
	}
	keys := make(map[string][]byte, len(c.pendingKeys))
	for k, v := range c.pendingKeys {
		keys[k] = v
	}
	c.setStatusLocked(Status{State: StateSyncing, HasUnsavedChanges: true})
	c.mu.Unlock()

	doc, err := c.remote.Upsert(ctx, c.userID, prefs, keys)

	c.mu.Lock()
	if err != nil {
		terr := &TransportError{Op: "flush settings", Err: err}
		c.setStatusLocked(Status{State: StateError, HasUnsavedChanges: true, Err: terr.Error()})
		c.mu.Unlock()
		return terr
	}

	// drop only the edits we actually sent; edits applied while the write
	// was in flight stay pending for the next flush
	for k, sent := range prefs {
		if cur, ok := c.pendingPrefs[k]; ok && reflect.DeepEqual(cur, sent) {
			delete(c.pendingPrefs, k)
		}
	}
	for k, sent := range keys {
		if cur, ok := c.pendingKeys[k]; ok && reflect.DeepEqual(cur, sent) {
			delete(c.pendingKeys, k)
		}
	}

	if len(c.pendingPrefs)+len(c.pendingKeys) > 0 {
		c.setStatusLocked(Status{State: StatePending, HasUnsavedChanges: true})
		c.armTimerLocked()
	} else {
		c.setStatusLocked(Status{State: StateIdle})
	}
	c.mu.Unlock()

	// the confirmed document has to reach the session listeners too, not
	// just the cache: once it is cached, the change-feed echo of this write
	// ties on UpdatedAt and is dropped as stale, so nobody else reports it
	if c.onConfirm != nil {
		c.onConfirm(doc)
	} else {
		c.cache.Put(doc)
	}
	return nil
}

// ForceRefresh bypasses cache and pending buffer: it fetches the
// authoritative remote document, overwrites the cache and discards pending
// edits. Used when local state is suspected stale. A user with no stored
// settings yet gets an empty document, not an error.
func (c *Coordinator) ForceRefresh(ctx context.Context) (domain.SettingsDocument, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.stopTimerLocked()
	if c.closed || (c.authorized != nil && !c.authorized()) {
		c.setStatusLocked(Status{State: StateError, Err: ErrUnauthenticated.Error()})
		c.mu.Unlock()
		return domain.SettingsDocument{}, ErrUnauthenticated
	}
	c.setStatusLocked(Status{State: StateSyncing})
	c.mu.Unlock()

	doc, err := c.remote.Get(ctx, c.userID)
	if errors.Is(err, repository.ErrNotFound) {
		// first refresh of a fresh account: the empty document is
		// authoritative, the status stream must not report a failure
		doc = domain.SettingsDocument{UserID: c.userID, Preferences: domain.Preferences{}}
		err = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "refresh settings", Err: err}
		c.setStatusLocked(Status{State: StateError, HasUnsavedChanges: len(c.pendingPrefs)+len(c.pendingKeys) > 0, Err: terr.Error()})
		return domain.SettingsDocument{}, terr
	}

	c.pendingPrefs = make(map[string]any)
	c.pendingKeys = make(map[string][]byte)
	c.cache.Put(doc)
	c.setStatusLocked(Status{State: StateIdle})
	return doc, nil
}

// Status returns the current status snapshot
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Cached returns the locally cached document, false if nothing cached yet
func (c *Coordinator) Cached() (domain.SettingsDocument, bool) {
	return c.cache.Get()
}

// Close ends the owning session: the debounce timer is cancelled and any
// later timer fire or Flush call becomes a no-op, so no write can happen for
// a signed-out user
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
}

// armTimerLocked schedules (or reschedules) the debounced flush; must hold c.mu
func (c *Coordinator) armTimerLocked() {
	if !c.autoSync {
		return
	}
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Flush(context.Background()); err != nil {
			log.Printf("[WARN] debounced settings flush for %s failed: %v", c.userID, err)
		}
	})
}

// stopTimerLocked cancels a pending debounce timer; must hold c.mu
func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// setStatusLocked records a transition and notifies synchronously; must hold c.mu
func (c *Coordinator) setStatusLocked(st Status) {
	c.status = st
	if c.onStatus != nil {
		c.onStatus(st)
	}
}
