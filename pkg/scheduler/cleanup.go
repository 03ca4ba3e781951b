package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// Cleaner periodically removes chats older than each user's retention
// preference (chat_retention_days, 0 keeps forever)
type Cleaner struct {
	users    UserSource
	settings SettingsSource
	chats    ChatStore

	interval    time.Duration
	defaultDays int
	maxWorkers  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// UserSource lists the users to consider for cleanup
type UserSource interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// SettingsSource reads a user's settings document
type SettingsSource interface {
	Get(ctx context.Context, userID string) (domain.SettingsDocument, error)
}

// ChatStore deletes chats beyond the retention horizon
type ChatStore interface {
	PurgeOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error)
}

// Config holds cleaner configuration
type Config struct {
	Interval    time.Duration
	DefaultDays int // horizon for users without a preference, 0 keeps forever
	MaxWorkers  int
}

// NewCleaner creates a retention cleaner
func NewCleaner(users UserSource, settings SettingsSource, chats ChatStore, cfg Config) *Cleaner {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 5
	}

	return &Cleaner{
		users:       users,
		settings:    settings,
		chats:       chats,
		interval:    cfg.Interval,
		defaultDays: cfg.DefaultDays,
		maxWorkers:  cfg.MaxWorkers,
		now:         time.Now,
	}
}

// Start begins the periodic cleanup worker
func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.worker(ctx)

	lgr.Printf("[INFO] retention cleaner started with interval %v, default horizon %d days", c.interval, c.defaultDays)
}

// Stop gracefully stops the cleaner
func (c *Cleaner) Stop() {
	lgr.Printf("[INFO] stopping retention cleaner...")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	lgr.Printf("[INFO] retention cleaner stopped")
}

// CleanupNow runs one cleanup pass on demand
func (c *Cleaner) CleanupNow(ctx context.Context) error {
	return c.cleanupAll(ctx)
}

// worker runs cleanup passes on the configured interval
func (c *Cleaner) worker(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// run immediately on start
	if err := c.cleanupAll(ctx); err != nil {
		lgr.Printf("[ERROR] cleanup pass failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.cleanupAll(ctx); err != nil {
				lgr.Printf("[ERROR] cleanup pass failed: %v", err)
			}
		}
	}
}

// cleanupAll purges expired chats for every user, bounded by the worker pool
func (c *Cleaner) cleanupAll(ctx context.Context) error {
	userIDs, err := c.users.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	sem := make(chan struct{}, c.maxWorkers)
	var wg sync.WaitGroup

	for _, id := range userIDs {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			c.cleanupUser(ctx, userID)
		}(id)
	}

	wg.Wait()
	return nil
}

// cleanupUser purges one user's chats past their retention horizon
func (c *Cleaner) cleanupUser(ctx context.Context, userID string) {
	days := c.defaultDays

	doc, err := c.settings.Get(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// no settings yet, use the default horizon
	case err != nil:
		lgr.Printf("[ERROR] failed to read settings for %s: %v", userID, err)
		return
	default:
		days = doc.RetentionDays()
	}

	if days <= 0 {
		return // keep forever
	}

	cutoff := c.now().UTC().AddDate(0, 0, -days)
	purged, err := c.chats.PurgeOlderThan(ctx, userID, cutoff)
	if err != nil {
		lgr.Printf("[ERROR] failed to purge chats for %s: %v", userID, err)
		return
	}
	if purged > 0 {
		lgr.Printf("[INFO] purged %d chats for %s older than %s", purged, userID, cutoff.Format(time.RFC3339))
	}
}
