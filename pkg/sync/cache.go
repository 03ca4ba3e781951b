package sync

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// LocalCache holds the last known-good settings document for one user, in
// memory and optionally in a durable file. Access is mutex-serialized: the
// coordinator's edit path and the subscriber's delivery goroutine both
// touch it.
type LocalCache struct {
	mu     sync.Mutex
	doc    domain.SettingsDocument
	loaded bool

	path     string // empty means memory-only
	degraded bool   // persistence failed, running memory-only
	onWarn   func(PersistenceWarning)
}

// cacheFile is the on-disk representation of the cached document
type cacheFile struct {
	UserID      string            `json:"user_id"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Preferences map[string]any    `json:"preferences"`
	APIKeys     map[string][]byte `json:"api_keys"`
}

// NewLocalCache creates a cache backed by the given file path; an empty path
// keeps the cache memory-only. An existing file is loaded as the starting
// document; a corrupt or unreadable file is ignored (first remote fetch
// repopulates it). onWarn, if set, receives persistence warnings; by default
// they are logged.
func NewLocalCache(path string, onWarn func(PersistenceWarning)) *LocalCache {
	if onWarn == nil {
		onWarn = func(w PersistenceWarning) { log.Printf("[WARN] %s", w) }
	}
	c := &LocalCache{path: path, onWarn: onWarn}

	if path == "" {
		return c
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the configured cache dir
	if err != nil {
		return c
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("[WARN] ignoring corrupt settings cache %s: %v", path, err)
		return c
	}
	c.doc = domain.SettingsDocument{
		UserID:         f.UserID,
		UpdatedAt:      f.UpdatedAt,
		Preferences:    f.Preferences,
		APIKeyMaterial: f.APIKeys,
	}
	c.loaded = true
	return c
}

// Get returns the cached document, false if nothing is cached yet
func (c *LocalCache) Get() (domain.SettingsDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return domain.SettingsDocument{}, false
	}
	return c.doc.Clone(), true
}

// Put unconditionally overwrites the cache, used after a confirmed write
// where the server document is authoritative
func (c *LocalCache) Put(doc domain.SettingsDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc.Clone()
	c.loaded = true
	c.persist()
}

// OfferRemote accepts doc only if it is strictly newer than the cached copy;
// ties keep the existing document to avoid redundant churn. Returns whether
// the offer was accepted.
func (c *LocalCache) OfferRemote(doc domain.SettingsDocument) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && !doc.NewerThan(c.doc) {
		return false
	}
	c.doc = doc.Clone()
	c.loaded = true
	c.persist()
	return true
}

// persist writes the document to the durable file; must hold c.mu. A write
// failure degrades the cache to memory-only for its remaining lifetime.
func (c *LocalCache) persist() {
	if c.path == "" || c.degraded {
		return
	}

	f := cacheFile{
		UserID:      c.doc.UserID,
		UpdatedAt:   c.doc.UpdatedAt,
		Preferences: c.doc.Preferences,
		APIKeys:     c.doc.APIKeyMaterial,
	}
	data, err := json.Marshal(f)
	if err != nil {
		c.degraded = true
		c.onWarn(PersistenceWarning{Path: c.path, Err: err})
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		c.degraded = true
		c.onWarn(PersistenceWarning{Path: c.path, Err: err})
		return
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		c.degraded = true
		c.onWarn(PersistenceWarning{Path: c.path, Err: err})
	}
}
