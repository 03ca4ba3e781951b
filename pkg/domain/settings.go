package domain

import "time"

// Preferences is an open string-keyed document of user preferences
// (chat mode, view mode, notification toggles, retention policy and so on).
// Keys are not fixed; the sync engine never assumes a specific key exists.
type Preferences map[string]any

// Clone returns a shallow copy of the preferences map
func (p Preferences) Clone() Preferences {
	if p == nil {
		return Preferences{}
	}
	out := make(Preferences, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge applies partial on top of p and returns the result. The merge is
// shallow and additive: keys absent from partial keep their current value.
// Neither receiver nor argument is modified.
func (p Preferences) Merge(partial map[string]any) Preferences {
	out := p.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// SettingsDocument is the synchronized unit: one per user, last-writer-wins
// by UpdatedAt. APIKeyMaterial holds sealed per-provider credential blobs,
// opaque to everything except pkg/secrets.
type SettingsDocument struct {
	UserID         string
	UpdatedAt      time.Time
	Preferences    Preferences
	APIKeyMaterial map[string][]byte
}

// Clone returns a deep-enough copy for the engine's purposes: preference map
// and key-material map are copied, blob bytes are shared (treated immutable).
func (d SettingsDocument) Clone() SettingsDocument {
	out := SettingsDocument{
		UserID:      d.UserID,
		UpdatedAt:   d.UpdatedAt,
		Preferences: d.Preferences.Clone(),
	}
	if d.APIKeyMaterial != nil {
		out.APIKeyMaterial = make(map[string][]byte, len(d.APIKeyMaterial))
		for k, v := range d.APIKeyMaterial {
			out.APIKeyMaterial[k] = v
		}
	}
	return out
}

// NewerThan reports whether d is strictly newer than other by UpdatedAt.
// Ties are not newer, keeping the already-cached copy on equal timestamps.
func (d SettingsDocument) NewerThan(other SettingsDocument) bool {
	return d.UpdatedAt.After(other.UpdatedAt)
}

// RetentionDays extracts the chat retention preference, 0 means keep forever.
// The value may arrive as float64 (JSON number) or int depending on the path.
func (d SettingsDocument) RetentionDays() int {
	v, ok := d.Preferences["chat_retention_days"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
