package server

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Settings(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "settings@example.com")

	t.Run("empty on first read", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/api/v1/settings", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[settingsResponse](t, resp)
		assert.Empty(t, body.Preferences)
		assert.False(t, body.Unsaved)
	})

	t.Run("fresh account status is idle", func(t *testing.T) {
		// the first read refreshed against a store with no settings row;
		// that must not leave the account stuck in an error state
		resp := e.do(t, http.MethodGet, "/api/v1/settings/status", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "idle", status["state"])
		assert.NotContains(t, status, "error")
	})

	t.Run("patch buffers and flush persists", func(t *testing.T) {
		resp := e.do(t, http.MethodPatch, "/api/v1/settings", token, map[string]any{
			"theme": "dark", "language": "de",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		status := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "pending", status["state"])
		assert.Equal(t, true, status["unsaved_changes"])

		resp = e.do(t, http.MethodPost, "/api/v1/settings/flush", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status = decodeBody[map[string]any](t, resp)
		assert.Equal(t, "idle", status["state"])
		assert.Equal(t, false, status["unsaved_changes"])

		resp = e.do(t, http.MethodGet, "/api/v1/settings", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[settingsResponse](t, resp)
		assert.Equal(t, "dark", body.Preferences["theme"])
		assert.Equal(t, "de", body.Preferences["language"])
		assert.False(t, body.UpdatedAt.IsZero())
	})

	t.Run("partial patch keeps other keys", func(t *testing.T) {
		resp := e.do(t, http.MethodPatch, "/api/v1/settings", token, map[string]any{"theme": "light"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
		resp = e.do(t, http.MethodPost, "/api/v1/settings/flush", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = e.do(t, http.MethodGet, "/api/v1/settings", token, nil)
		body := decodeBody[settingsResponse](t, resp)
		assert.Equal(t, "light", body.Preferences["theme"])
		assert.Equal(t, "de", body.Preferences["language"])
	})

	t.Run("empty patch rejected", func(t *testing.T) {
		resp := e.do(t, http.MethodPatch, "/api/v1/settings", token, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("refresh discards unsaved edits", func(t *testing.T) {
		resp := e.do(t, http.MethodPatch, "/api/v1/settings", token, map[string]any{"theme": "unsaved"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()

		resp = e.do(t, http.MethodPost, "/api/v1/settings/refresh", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[settingsResponse](t, resp)
		assert.Equal(t, "light", body.Preferences["theme"], "refresh returns the stored document")
		assert.False(t, body.Unsaved)
	})

	t.Run("status endpoint", func(t *testing.T) {
		resp := e.do(t, http.MethodGet, "/api/v1/settings/status", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decodeBody[map[string]any](t, resp)
		assert.Equal(t, "idle", status["state"])
	})
}

func TestServer_ProviderKeys(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "keys@example.com")

	t.Run("unknown provider", func(t *testing.T) {
		resp := e.do(t, http.MethodPut, "/api/v1/settings/keys/mystery", token, map[string]string{"api_key": "sk-x"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	resp := e.do(t, http.MethodPut, "/api/v1/settings/keys/openai", token, map[string]string{"api_key": "sk-user-secret"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/settings/flush", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// key name listed, material never returned
	resp = e.do(t, http.MethodGet, "/api/v1/settings", token, nil)
	body := decodeBody[settingsResponse](t, resp)
	assert.Equal(t, []string{"openai"}, body.ProviderKeys)

	// the stored blob is sealed, not the raw key
	loginResp := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "keys@example.com", "password": "long-enough-password",
	})
	login := decodeBody[map[string]string](t, loginResp)
	doc, err := e.repos.Settings.Get(context.Background(), login["user_id"])
	require.NoError(t, err)
	sealed := doc.APIKeyMaterial["openai"]
	require.NotEmpty(t, sealed)
	assert.NotContains(t, string(sealed), "sk-user-secret")

	plain, err := e.box.Open(login["user_id"], sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-user-secret", string(plain))

	t.Run("empty key removes credential", func(t *testing.T) {
		resp := e.do(t, http.MethodPut, "/api/v1/settings/keys/openai", token, map[string]string{"api_key": ""})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
		resp = e.do(t, http.MethodPost, "/api/v1/settings/flush", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = e.do(t, http.MethodGet, "/api/v1/settings", token, nil)
		body := decodeBody[settingsResponse](t, resp)
		assert.Empty(t, body.ProviderKeys)
	})
}

func TestServer_SettingsStream(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "stream@example.com")

	loginResp := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "stream@example.com", "password": "long-enough-password",
	})
	login := decodeBody[map[string]string](t, loginResp)
	userID := login["user_id"]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/v1/settings/stream", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readEvent := func() (event, data string) {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				event = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
				return event, data
			}
		}
		return event, data
	}

	// writing through the settings store publishes a change the stream picks up
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = e.repos.Settings.Upsert(context.Background(), userID, map[string]any{"theme": "streamed"}, nil)
	}()

	event, data := readEvent()
	assert.Equal(t, "settings", event)
	assert.Contains(t, data, `"theme":"streamed"`)

	// a change made through this user's own coordinator reaches the stream
	// too, as another tab of the same user would see it
	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, call := range []struct{ method, path, body string }{
			{http.MethodPatch, "/api/v1/settings", `{"theme":"flushed"}`},
			{http.MethodPost, "/api/v1/settings/flush", ""},
		} {
			req, rerr := http.NewRequest(call.method, e.ts.URL+call.path, strings.NewReader(call.body))
			if rerr != nil {
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			if r, derr := http.DefaultClient.Do(req); derr == nil {
				r.Body.Close()
			}
		}
	}()

	event, data = readEvent()
	assert.Equal(t, "settings", event)
	assert.Contains(t, data, `"theme":"flushed"`)
}

func TestServer_Cleanup(t *testing.T) {
	e := newTestEnv(t)
	token := e.signup(t, "cleanup@example.com")

	resp := e.do(t, http.MethodPost, "/api/v1/settings/cleanup", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "cleanup done", body["status"])
}
