package repository

import (
	"log"
	"sync"
	"time"
)

// ChangeKind identifies the kind of row-level change notification
type ChangeKind string

const (
	// ChangeInsert is emitted when a settings row is created. Upserts mean
	// a user's first write arrives as an insert, so consumers must treat
	// insert and update identically.
	ChangeInsert ChangeKind = "insert"
	// ChangeUpdate is emitted when an existing settings row is modified
	ChangeUpdate ChangeKind = "update"
)

// SettingsChange is a row-level change notification for one user's settings.
// Payload carries the raw row fields; consumers normalize it into a
// SettingsDocument and must not assume a fixed field set.
type SettingsChange struct {
	Kind      ChangeKind
	UserID    string
	Payload   map[string]any
	UpdatedAt time.Time
}

// SettingsFeed is an in-process change feed for settings rows, the
// row-level notification channel between the settings repository and
// subscribers (other tabs/devices of the same user, SSE streams).
// Delivery is per-user: a subscriber only sees changes for its user.
type SettingsFeed struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan SettingsChange
	nextID int
	closed bool
}

// feedBuffer is the per-subscriber channel depth; a slow consumer drops
// notifications past this depth rather than blocking the writer
const feedBuffer = 16

// NewSettingsFeed creates an empty change feed
func NewSettingsFeed() *SettingsFeed {
	return &SettingsFeed{subs: make(map[string]map[int]chan SettingsChange)}
}

// Subscribe registers for changes scoped to userID. The returned cancel
// func is idempotent and closes the channel, after which no further
// notifications are delivered.
func (f *SettingsFeed) Subscribe(userID string) (<-chan SettingsChange, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan SettingsChange, feedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[int]chan SettingsChange)
	}
	f.subs[userID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if subs, ok := f.subs[userID]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(f.subs, userID)
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers a change to all subscribers of change.UserID.
// Non-blocking: a full subscriber buffer drops the notification with a
// warning, the writer is never stalled by a slow reader.
func (f *SettingsFeed) Publish(change SettingsChange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, ch := range f.subs[change.UserID] {
		select {
		case ch <- change:
		default:
			log.Printf("[WARN] settings feed subscriber for %s is behind, notification dropped", change.UserID)
		}
	}
}

// Close shuts the feed down, closing all subscriber channels
func (f *SettingsFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for userID, subs := range f.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(f.subs, userID)
	}
}
