package sync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// singleCache hands the same cache to every user
type singleCache struct{ cache *LocalCache }

func (s singleCache) CacheFor(string) *LocalCache { return s.cache }

func newTestSubscriber(t *testing.T, decrypt DecryptFunc) (*Subscriber, *repository.SettingsFeed, *LocalCache) {
	t.Helper()
	feed := repository.NewSettingsFeed()
	t.Cleanup(feed.Close)
	cache := NewLocalCache("", nil)
	return NewSubscriber(feed, singleCache{cache}, decrypt), feed, cache
}

func change(userID string, at time.Time, prefs map[string]any) repository.SettingsChange {
	return repository.SettingsChange{
		Kind:      repository.ChangeUpdate,
		UserID:    userID,
		UpdatedAt: at,
		Payload:   map[string]any{"user_id": userID, "preferences": prefs, "updated_at": at},
	}
}

func waitForUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case upd := <-ch:
		return upd
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestSubscriber_DeliversNewerDocuments(t *testing.T) {
	sub, feed, _ := newTestSubscriber(t, nil)

	updates := make(chan Update, 8)
	h := sub.Subscribe("u1", func(upd Update) { updates <- upd })
	defer h.Cancel()

	now := time.Now().UTC()
	feed.Publish(change("u1", now, map[string]any{"theme": "dark"}))

	upd := waitForUpdate(t, updates)
	assert.Equal(t, "u1", upd.Doc.UserID)
	assert.Equal(t, "dark", upd.Doc.Preferences["theme"])
	assert.Equal(t, StateLive, h.State())
}

func TestSubscriber_DropsStaleChanges(t *testing.T) {
	sub, feed, cache := newTestSubscriber(t, nil)

	now := time.Now().UTC()
	cache.Put(domain.SettingsDocument{UserID: "u1", UpdatedAt: now, Preferences: domain.Preferences{"theme": "current"}})

	updates := make(chan Update, 8)
	h := sub.Subscribe("u1", func(upd Update) { updates <- upd })
	defer h.Cancel()

	// older change: dropped, cache untouched
	feed.Publish(change("u1", now.Add(-time.Minute), map[string]any{"theme": "old"}))
	// equal timestamp: also dropped
	feed.Publish(change("u1", now, map[string]any{"theme": "tie"}))
	// newer change: delivered
	feed.Publish(change("u1", now.Add(time.Minute), map[string]any{"theme": "new"}))

	upd := waitForUpdate(t, updates)
	assert.Equal(t, "new", upd.Doc.Preferences["theme"])
	assert.Empty(t, updates, "stale changes must not produce callbacks")

	doc, _ := cache.Get()
	assert.Equal(t, "new", doc.Preferences["theme"])
}

func TestSubscriber_InsertAndUpdateTreatedSame(t *testing.T) {
	sub, feed, _ := newTestSubscriber(t, nil)

	updates := make(chan Update, 8)
	h := sub.Subscribe("u1", func(upd Update) { updates <- upd })
	defer h.Cancel()

	now := time.Now().UTC()
	insert := change("u1", now, map[string]any{"theme": "dark"})
	insert.Kind = repository.ChangeInsert
	feed.Publish(insert)

	upd := waitForUpdate(t, updates)
	assert.Equal(t, "dark", upd.Doc.Preferences["theme"])
}

func TestSubscriber_PartialDecrypt(t *testing.T) {
	decrypt := func(userID string, blob []byte) ([]byte, error) {
		if string(blob) == "bad" {
			return nil, fmt.Errorf("sealed blob corrupt")
		}
		return []byte("sk-" + userID), nil
	}
	sub, feed, _ := newTestSubscriber(t, decrypt)

	updates := make(chan Update, 8)
	h := sub.Subscribe("u1", func(upd Update) { updates <- upd })
	defer h.Cancel()

	now := time.Now().UTC()
	feed.Publish(repository.SettingsChange{
		Kind:      repository.ChangeUpdate,
		UserID:    "u1",
		UpdatedAt: now,
		Payload: map[string]any{
			"preferences": map[string]any{"theme": "dark"},
			"api_keys":    map[string][]byte{"openai": []byte("ok"), "claude": []byte("bad")},
			"updated_at":  now,
		},
	})

	upd := waitForUpdate(t, updates)

	// the good provider is delivered, the bad one warned about; the update
	// itself still goes through
	assert.Equal(t, "sk-u1", upd.ProviderKeys["openai"])
	assert.NotContains(t, upd.ProviderKeys, "claude")
	require.Len(t, upd.Warnings, 1)
	assert.Equal(t, "claude", upd.Warnings[0].Provider)
	assert.Equal(t, "dark", upd.Doc.Preferences["theme"])
}

func TestSubscriber_ResubscribeReplaces(t *testing.T) {
	sub, feed, _ := newTestSubscriber(t, nil)

	var first, second atomic.Int64
	h1 := sub.Subscribe("u1", func(Update) { first.Add(1) })
	h2 := sub.Subscribe("u1", func(Update) { second.Add(1) })
	defer h2.Cancel()

	assert.Equal(t, StateDisconnected, h1.State(), "first subscription replaced")

	feed.Publish(change("u1", time.Now().UTC(), map[string]any{"n": 1}))

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load(), "replaced subscription must not fire")
}

func TestSubscriber_SubscribeConcurrent(t *testing.T) {
	sub, feed, _ := newTestSubscriber(t, nil)

	// racing Subscribe calls for one user must leave a single live
	// subscription, never stacked ones
	const n = 8
	var total atomic.Int64
	handles := make([]*CancelHandle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i] = sub.Subscribe("u1", func(Update) { total.Add(1) })
		}(i)
	}
	wg.Wait()

	sub.mu.Lock()
	assert.Len(t, sub.active, 1, "one tracked subscription after the race")
	survivor := sub.active["u1"]
	sub.mu.Unlock()

	live := 0
	for _, h := range handles {
		require.NotNil(t, h)
		if h == survivor {
			live++
			continue
		}
		assert.Equal(t, StateDisconnected, h.State(), "replaced subscription is torn down")
	}
	assert.Equal(t, 1, live)

	feed.Publish(change("u1", time.Now().UTC(), map[string]any{"n": 1}))
	require.Eventually(t, func() bool { return total.Load() == 1 }, time.Second, 5*time.Millisecond)

	// settle and make sure no stacked subscription fired a duplicate
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), total.Load(), "one change, one callback")
}

func TestSubscriber_CancelIdempotent(t *testing.T) {
	sub, feed, _ := newTestSubscriber(t, nil)

	h := sub.Subscribe("u1", func(Update) {})
	h.Cancel()
	h.Cancel()
	assert.Equal(t, StateDisconnected, h.State())

	// feed publish after cancel is a no-op
	feed.Publish(change("u1", time.Now().UTC(), map[string]any{"n": 1}))
}

// TestSubscriber_CancelRace drives delivery and cancellation concurrently:
// once Cancel returns, no callback may fire, even for changes already queued.
func TestSubscriber_CancelRace(t *testing.T) {
	for trial := 0; trial < 1000; trial++ {
		feed := repository.NewSettingsFeed()
		cache := NewLocalCache("", nil)
		sub := NewSubscriber(feed, singleCache{cache}, nil)

		var cancelled atomic.Bool
		var lateCallback atomic.Bool
		h := sub.Subscribe("u1", func(Update) {
			if cancelled.Load() {
				lateCallback.Store(true)
			}
		})

		var wg sync.WaitGroup
		wg.Add(2)
		base := time.Now().UTC()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				feed.Publish(change("u1", base.Add(time.Duration(i)*time.Millisecond), map[string]any{"n": i}))
			}
		}()
		go func() {
			defer wg.Done()
			h.Cancel()
			cancelled.Store(true)
		}()

		wg.Wait()
		feed.Close()

		if lateCallback.Load() {
			t.Fatalf("trial %d: callback fired after Cancel returned", trial)
		}
	}
}

func TestNormalizeChange(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"current field name", map[string]any{"preferences": map[string]any{"theme": "a"}}, "a"},
		{"legacy prefs field", map[string]any{"prefs": map[string]any{"theme": "b"}}, "b"},
		{"legacy settings field", map[string]any{"settings": map[string]any{"theme": "c"}}, "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := normalizeChange("u1", repository.SettingsChange{UserID: "u1", UpdatedAt: now, Payload: tt.payload})
			assert.Equal(t, tt.want, doc.Preferences["theme"])
		})
	}

	t.Run("nil payload", func(t *testing.T) {
		doc := normalizeChange("u1", repository.SettingsChange{UserID: "u1", UpdatedAt: now})
		assert.NotNil(t, doc.Preferences)
		assert.Empty(t, doc.Preferences)
	})

	t.Run("timestamp from payload when header missing", func(t *testing.T) {
		doc := normalizeChange("u1", repository.SettingsChange{
			UserID:  "u1",
			Payload: map[string]any{"updated_at": now.Format(time.RFC3339Nano)},
		})
		assert.True(t, doc.UpdatedAt.Equal(now.Truncate(time.Nanosecond)))
	})

	t.Run("base64 key material", func(t *testing.T) {
		doc := normalizeChange("u1", repository.SettingsChange{
			UserID:    "u1",
			UpdatedAt: now,
			Payload:   map[string]any{"api_keys": map[string]any{"openai": "AQID"}},
		})
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, doc.APIKeyMaterial["openai"])
	})
}
