package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	engine "github.com/chatbuddy/chatbuddy/pkg/sync"
)

// settingsResponse is the wire shape of a settings document. Key material is
// never returned, only the provider names that have a stored credential.
type settingsResponse struct {
	Preferences  domain.Preferences `json:"preferences"`
	ProviderKeys []string           `json:"provider_keys"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Unsaved      bool               `json:"unsaved_changes"`
}

func (s *Server) toSettingsResponse(doc domain.SettingsDocument, unsaved bool) settingsResponse {
	names := make([]string, 0, len(doc.APIKeyMaterial))
	for provider := range doc.APIKeyMaterial {
		names = append(names, provider)
	}
	sort.Strings(names)

	prefs := doc.Preferences
	if prefs == nil {
		prefs = domain.Preferences{}
	}
	return settingsResponse{
		Preferences:  prefs,
		ProviderKeys: names,
		UpdatedAt:    doc.UpdatedAt,
		Unsaved:      unsaved,
	}
}

// userSession returns the open sync session for the request's user
func (s *Server) userSession(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	sess, ok := s.sessions.Get(requestUser(r))
	if !ok {
		renderError(w, r, fmt.Errorf("no active session"), http.StatusUnauthorized)
		return nil, false
	}
	return sess, true
}

// getSettingsHandler returns the cached settings document, fetching from the
// remote store on a cold cache
func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	doc, cached := sess.Coordinator.Cached()
	if !cached {
		var err error
		doc, err = sess.Coordinator.ForceRefresh(r.Context())
		if err != nil {
			s.renderSyncError(w, r, err)
			return
		}
	}

	renderJSON(w, r, http.StatusOK, s.toSettingsResponse(doc, sess.Coordinator.Status().HasUnsavedChanges))
}

// patchSettingsHandler merges a partial preference update into the pending
// buffer; the debounced flush writes it to the remote store
func (s *Server) patchSettingsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	if len(partial) == 0 {
		renderError(w, r, fmt.Errorf("empty update"), http.StatusBadRequest)
		return
	}

	sess.Coordinator.ApplyLocalEdit(partial)
	renderJSON(w, r, http.StatusAccepted, statusBody(sess.Coordinator.Status()))
}

// settingsStatusHandler reports the coordinator's sync status
func (s *Server) settingsStatusHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}
	renderJSON(w, r, http.StatusOK, statusBody(sess.Coordinator.Status()))
}

// flushSettingsHandler pushes pending edits to the remote store immediately
func (s *Server) flushSettingsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	if err := sess.Coordinator.Flush(r.Context()); err != nil {
		s.renderSyncError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, statusBody(sess.Coordinator.Status()))
}

// refreshSettingsHandler discards local state and re-fetches from the remote
func (s *Server) refreshSettingsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	doc, err := sess.Coordinator.ForceRefresh(r.Context())
	if err != nil {
		s.renderSyncError(w, r, err)
		return
	}
	renderJSON(w, r, http.StatusOK, s.toSettingsResponse(doc, false))
}

// putProviderKeyHandler stores a sealed provider credential in the pending
// buffer; an empty key deletes the stored credential
func (s *Server) putProviderKeyHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	provider := r.PathValue("provider")
	if _, err := s.providers.Get(provider); err != nil {
		renderError(w, r, fmt.Errorf("unknown provider %q", provider), http.StatusNotFound)
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	var sealed []byte
	if req.APIKey != "" {
		var err error
		sealed, err = s.keys.Seal(sess.UserID, []byte(req.APIKey))
		if err != nil {
			log.Printf("[ERROR] failed to seal key for %s: %v", sess.UserID, err)
			renderError(w, r, fmt.Errorf("failed to store key"), http.StatusInternalServerError)
			return
		}
	}

	sess.Coordinator.SetProviderKey(provider, sealed)
	renderJSON(w, r, http.StatusAccepted, statusBody(sess.Coordinator.Status()))
}

// cleanupHandler triggers a retention cleanup pass on demand
func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.cleaner.CleanupNow(r.Context()); err != nil {
		log.Printf("[ERROR] cleanup failed: %v", err)
		renderError(w, r, fmt.Errorf("cleanup failed"), http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "cleanup done"})
}

// streamSettingsHandler streams settings updates over SSE. Each remote
// change accepted by the local cache produces one event.
func (s *Server) streamSettingsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.userSession(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, fmt.Errorf("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan engine.Update, 16)
	detach := sess.AddListener(func(upd engine.Update) {
		select {
		case updates <- upd:
		default: // slow client, drop rather than block delivery
		}
	})
	defer detach()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case upd := <-updates:
			body := s.toSettingsResponse(upd.Doc, sess.Coordinator.Status().HasUnsavedChanges)
			data, err := json.Marshal(body)
			if err != nil {
				log.Printf("[ERROR] can't encode settings event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: settings\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// statusBody converts a coordinator status to its wire shape
func statusBody(st engine.Status) map[string]any {
	body := map[string]any{
		"state":           string(st.State),
		"unsaved_changes": st.HasUnsavedChanges,
	}
	if st.Err != "" {
		body["error"] = st.Err
	}
	return body
}

// renderSyncError maps engine errors to HTTP codes
func (s *Server) renderSyncError(w http.ResponseWriter, r *http.Request, err error) {
	var terr *engine.TransportError
	switch {
	case errors.Is(err, engine.ErrUnauthenticated):
		renderError(w, r, err, http.StatusUnauthorized)
	case errors.As(err, &terr):
		log.Printf("[WARN] remote store unavailable: %v", err)
		renderError(w, r, fmt.Errorf("settings store unavailable"), http.StatusBadGateway)
	default:
		log.Printf("[ERROR] settings operation failed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
	}
}
