package sync

import (
	"encoding/base64"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// Feed is the store's row-level change notification source
type Feed interface {
	Subscribe(userID string) (<-chan repository.SettingsChange, func())
}

// CacheSource resolves the local cache owned by a user's session
type CacheSource interface {
	CacheFor(userID string) *LocalCache
}

// DecryptFunc opens one provider's sealed credential blob for a user
type DecryptFunc func(userID string, blob []byte) ([]byte, error)

// Update is a normalized settings change delivered to the subscription
// callback. ProviderKeys holds the decrypted credentials; providers whose
// blobs failed to decrypt are omitted and recorded in Warnings.
type Update struct {
	Doc          domain.SettingsDocument
	ProviderKeys map[string]string
	Warnings     []DecryptWarning
}

// SubState is the lifecycle state of one subscription
type SubState int32

const (
	StateDisconnected SubState = iota
	StateConnecting
	StateLive
)

// String returns a human-readable subscription state
func (s SubState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	default:
		return "disconnected"
	}
}

// Subscriber maintains live change-feed subscriptions, one logical
// subscription per user. It normalizes heterogeneous notification payloads
// into SettingsDocument shape, decrypts provider credentials with
// per-provider partial-success, and drops stale documents by the cache's
// newer-wins rule. It does not reconnect on feed shutdown; the owner
// re-subscribes on the next session event.
type Subscriber struct {
	feed    Feed
	caches  CacheSource
	decrypt DecryptFunc

	mu     sync.Mutex
	active map[string]*CancelHandle
}

// NewSubscriber creates a subscriber over the given feed. decrypt may be nil
// when credential material should pass through undecrypted (no keys are
// delivered then).
func NewSubscriber(feed Feed, caches CacheSource, decrypt DecryptFunc) *Subscriber {
	return &Subscriber{
		feed:    feed,
		caches:  caches,
		decrypt: decrypt,
		active:  make(map[string]*CancelHandle),
	}
}

// Subscribe opens a subscription for userID. A prior subscription for the
// same user is cancelled first: re-subscription replaces, it never stacks,
// so a remote change produces exactly one callback invocation. Holds for
// concurrent Subscribe calls too: the user's slot is claimed under the
// subscriber's lock, so two racing calls cannot both open a feed channel.
func (s *Subscriber) Subscribe(userID string, onUpdate func(Update)) *CancelHandle {
	h := &CancelHandle{done: make(chan struct{})}
	h.state.Store(int32(StateConnecting))

	for {
		s.mu.Lock()
		prev := s.active[userID]
		if prev == nil {
			ch, unsub := s.feed.Subscribe(userID)
			h.unsub = unsub
			s.active[userID] = h
			s.mu.Unlock()
			go s.run(userID, h, ch, onUpdate)
			return h
		}
		s.mu.Unlock()

		// cancel outside the lock: Cancel waits for the delivery goroutine,
		// which takes s.mu on exit. Loop, another caller may have claimed
		// the freed slot meanwhile.
		prev.Cancel()
	}
}

// run is the delivery loop for one subscription
func (s *Subscriber) run(userID string, h *CancelHandle, ch <-chan repository.SettingsChange, onUpdate func(Update)) {
	defer close(h.done)
	h.state.Store(int32(StateLive))
	for change := range ch {
		h.deliverMu.Lock()
		if h.cancelled {
			h.deliverMu.Unlock()
			continue // drain without callbacks
		}
		s.deliver(userID, change, onUpdate)
		h.deliverMu.Unlock()
	}
	// feed closed underneath us; no auto-reconnect
	h.state.Store(int32(StateDisconnected))
	s.mu.Lock()
	if s.active[userID] == h {
		delete(s.active, userID)
	}
	s.mu.Unlock()
}

// deliver normalizes one change, applies the newer-wins rule and invokes the
// callback. Called with the handle's delivery mutex held.
func (s *Subscriber) deliver(userID string, change repository.SettingsChange, onUpdate func(Update)) {
	doc := normalizeChange(userID, change)

	keys, warns := decryptMaterial(s.decrypt, userID, doc.APIKeyMaterial)

	cache := s.caches.CacheFor(userID)
	if cache != nil && !cache.OfferRemote(doc) {
		// conflict ignored: incoming document is not newer than the cache
		log.Printf("[DEBUG] stale settings change for %s dropped (incoming %s)", userID, doc.UpdatedAt.Format(time.RFC3339Nano))
		return
	}

	onUpdate(Update{Doc: doc, ProviderKeys: keys, Warnings: warns})
}

// decryptMaterial opens each provider credential independently; one failure
// omits that provider and records a warning rather than aborting the update
func decryptMaterial(decrypt DecryptFunc, userID string, material map[string][]byte) (map[string]string, []DecryptWarning) {
	if decrypt == nil || len(material) == 0 {
		return nil, nil
	}

	keys := make(map[string]string, len(material))
	var warns []DecryptWarning
	for provider, blob := range material {
		plain, err := decrypt(userID, blob)
		if err != nil {
			log.Printf("[WARN] credential for provider %s of user %s failed to decrypt: %v", provider, userID, err)
			warns = append(warns, DecryptWarning{Provider: provider, Err: err})
			continue
		}
		keys[provider] = string(plain)
	}
	return keys, warns
}

// normalizeChange maps a raw notification payload into the single document
// shape. Insert and update notifications are treated identically: the
// store's upsert semantics mean a user's first write arrives as an insert.
// Preference data may sit under the current field name or legacy ones.
func normalizeChange(userID string, change repository.SettingsChange) domain.SettingsDocument {
	doc := domain.SettingsDocument{
		UserID:      userID,
		UpdatedAt:   change.UpdatedAt,
		Preferences: domain.Preferences{},
	}

	payload := change.Payload
	if payload == nil {
		return doc
	}

	for _, field := range []string{"preferences", "prefs", "settings"} {
		if v, ok := payload[field]; ok {
			if prefs := toPreferences(v); prefs != nil {
				doc.Preferences = prefs
				break
			}
		}
	}

	for _, field := range []string{"api_keys", "apiKeys"} {
		if v, ok := payload[field]; ok {
			if material := toKeyMaterial(v); material != nil {
				doc.APIKeyMaterial = material
				break
			}
		}
	}

	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = payloadTime(payload["updated_at"])
	}

	return doc
}

// toPreferences coerces the payload's preference field into an open map
func toPreferences(v any) domain.Preferences {
	switch m := v.(type) {
	case domain.Preferences:
		return m.Clone()
	case map[string]any:
		return domain.Preferences(m).Clone()
	}
	return nil
}

// toKeyMaterial coerces the payload's credential field into provider blobs.
// Legacy writers serialize blobs as base64 strings, current ones as raw
// bytes; both are accepted, anything else is skipped.
func toKeyMaterial(v any) map[string][]byte {
	switch m := v.(type) {
	case map[string][]byte:
		out := make(map[string][]byte, len(m))
		for k, b := range m {
			out[k] = b
		}
		return out
	case map[string]string:
		out := make(map[string][]byte, len(m))
		for k, enc := range m {
			if b, err := base64.StdEncoding.DecodeString(enc); err == nil {
				out[k] = b
			}
		}
		return out
	case map[string]any:
		out := make(map[string][]byte, len(m))
		for k, raw := range m {
			switch b := raw.(type) {
			case []byte:
				out[k] = b
			case string:
				if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
					out[k] = decoded
				}
			}
		}
		return out
	}
	return nil
}

// payloadTime extracts a timestamp that may be a time.Time or RFC3339 string
func payloadTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// CancelHandle tears down one subscription. Cancel is idempotent and safe
// from any point in the subscription lifetime; once it returns, no further
// callback fires. Must not be called from inside the delivery callback.
type CancelHandle struct {
	once      sync.Once
	deliverMu sync.Mutex
	cancelled bool
	unsub     func()
	done      chan struct{}
	state     atomic.Int32
}

// State reports the subscription's lifecycle state
func (h *CancelHandle) State() SubState {
	return SubState(h.state.Load())
}

// Cancel tears the subscription down. Blocks until any in-flight delivery
// callback completes, then guarantees no further callbacks.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() {
		h.deliverMu.Lock()
		h.cancelled = true
		h.deliverMu.Unlock()

		h.unsub() // closes the feed channel, delivery goroutine drains and exits
		<-h.done
		h.state.Store(int32(StateDisconnected))
	})
}
