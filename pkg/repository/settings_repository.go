package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// SettingsRepository handles settings-related database operations and
// publishes a row-level change notification on every confirmed write
type SettingsRepository struct {
	db   *sqlx.DB
	feed *SettingsFeed
}

// settingsSQL represents a settings row for SQL operations
type settingsSQL struct {
	UserID      string    `db:"user_id"`
	Preferences prefsSQL  `db:"preferences"`
	APIKeys     keysSQL   `db:"api_keys"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// prefsSQL is a JSON object of preference values for SQL operations
type prefsSQL map[string]any

// Value implements driver.Valuer for database storage
func (p prefsSQL) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database retrieval
func (p *prefsSQL) Scan(value interface{}) error {
	if value == nil {
		*p = prefsSQL{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		*p = prefsSQL{}
		return nil
	}

	return json.Unmarshal(data, p)
}

// keysSQL is a JSON object of sealed provider credentials, provider name to
// blob. encoding/json represents []byte as base64, which keeps the column
// printable.
type keysSQL map[string][]byte

// Value implements driver.Valuer for database storage
func (k keysSQL) Value() (driver.Value, error) {
	if k == nil {
		return "{}", nil
	}
	return json.Marshal(k)
}

// Scan implements sql.Scanner for database retrieval
func (k *keysSQL) Scan(value interface{}) error {
	if value == nil {
		*k = keysSQL{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		*k = keysSQL{}
		return nil
	}

	return json.Unmarshal(data, k)
}

// NewSettingsRepository creates a new settings repository. The feed receives
// a notification after every successful upsert.
func NewSettingsRepository(db *sqlx.DB, feed *SettingsFeed) *SettingsRepository {
	return &SettingsRepository{db: db, feed: feed}
}

// Get retrieves the settings document for a user, ErrNotFound if absent
func (r *SettingsRepository) Get(ctx context.Context, userID string) (domain.SettingsDocument, error) {
	var row settingsSQL
	err := r.db.GetContext(ctx, &row, "SELECT user_id, preferences, api_keys, updated_at FROM settings WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SettingsDocument{}, fmt.Errorf("settings for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return domain.SettingsDocument{}, fmt.Errorf("get settings: %w", err)
	}
	return r.toDomain(&row), nil
}

// Upsert merges partial preferences and key material into the user's
// settings row, creating it if absent, and returns the merged document with
// the server-assigned UpdatedAt. The merge is shallow and additive; keys not
// present in partial are preserved. A nil blob in keyUpdates removes that
// provider's credential.
func (r *SettingsRepository) Upsert(ctx context.Context, userID string,
	partial map[string]any, keyUpdates map[string][]byte) (domain.SettingsDocument, error) {

	var result domain.SettingsDocument
	var inserted bool
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err := retrier.Do(ctx, func() error {
		doc, created, err := r.upsertTx(ctx, userID, partial, keyUpdates)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: err}
		}
		result, inserted = doc, created
		return nil
	})
	if err != nil {
		var ce *criticalError
		if errors.As(err, &ce) {
			return domain.SettingsDocument{}, ce.err
		}
		return domain.SettingsDocument{}, err
	}

	// notify after the transaction is confirmed, never inside it. The first
	// write for a user surfaces as an insert, consumers treat both kinds the
	// same way.
	kind := ChangeUpdate
	if inserted {
		kind = ChangeInsert
	}
	r.feed.Publish(SettingsChange{
		Kind:      kind,
		UserID:    userID,
		UpdatedAt: result.UpdatedAt,
		Payload: map[string]any{
			"user_id":     userID,
			"preferences": map[string]any(result.Preferences),
			"api_keys":    result.APIKeyMaterial,
			"updated_at":  result.UpdatedAt,
		},
	})

	return result, nil
}

// upsertTx performs the read-merge-write cycle in one transaction and
// reports whether the row was created
func (r *SettingsRepository) upsertTx(ctx context.Context, userID string,
	partial map[string]any, keyUpdates map[string][]byte) (doc domain.SettingsDocument, inserted bool, err error) {

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.SettingsDocument{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var row settingsSQL
	err = tx.GetContext(ctx, &row, "SELECT user_id, preferences, api_keys, updated_at FROM settings WHERE user_id = ?", userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		inserted = true
		row = settingsSQL{UserID: userID, Preferences: prefsSQL{}, APIKeys: keysSQL{}}
	case err != nil:
		return domain.SettingsDocument{}, false, fmt.Errorf("read settings: %w", err)
	}

	// shallow additive merge, keys absent from partial are preserved
	merged := domain.Preferences(row.Preferences).Merge(partial)

	keys := keysSQL{}
	for k, v := range row.APIKeys {
		keys[k] = v
	}
	for provider, blob := range keyUpdates {
		if blob == nil {
			delete(keys, provider)
			continue
		}
		keys[provider] = blob
	}

	// server clock is authoritative; keep UpdatedAt monotonically
	// non-decreasing even if the wall clock steps backwards
	updated := time.Now().UTC()
	if !updated.After(row.UpdatedAt) {
		updated = row.UpdatedAt.Add(time.Millisecond)
	}

	query := `
		INSERT INTO settings (user_id, preferences, api_keys, updated_at)
		VALUES (:user_id, :preferences, :api_keys, :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET
			preferences = excluded.preferences,
			api_keys = excluded.api_keys,
			updated_at = excluded.updated_at
	`
	out := settingsSQL{UserID: userID, Preferences: prefsSQL(merged), APIKeys: keys, UpdatedAt: updated}
	if _, err := tx.NamedExecContext(ctx, query, out); err != nil {
		return domain.SettingsDocument{}, false, fmt.Errorf("write settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.SettingsDocument{}, false, fmt.Errorf("commit settings: %w", err)
	}

	return r.toDomain(&out), inserted, nil
}

func (r *SettingsRepository) toDomain(row *settingsSQL) domain.SettingsDocument {
	return domain.SettingsDocument{
		UserID:         row.UserID,
		UpdatedAt:      row.UpdatedAt,
		Preferences:    domain.Preferences(row.Preferences),
		APIKeyMaterial: row.APIKeys,
	}
}
