package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/llm"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// createChatHandler starts a new conversation with a configured provider
func (s *Server) createChatHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUser(r)

	var req struct {
		Title    string `json:"title"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	if _, err := s.providers.Get(req.Provider); err != nil {
		renderError(w, r, fmt.Errorf("unknown provider %q", req.Provider), http.StatusBadRequest)
		return
	}

	title := strings.TrimSpace(s.sanitizer.Sanitize(req.Title))
	if title == "" {
		title = "New chat"
	}

	now := time.Now().UTC()
	chat := &domain.Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Provider:  req.Provider,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		log.Printf("[ERROR] failed to create chat: %v", err)
		renderError(w, r, fmt.Errorf("failed to create chat"), http.StatusInternalServerError)
		return
	}

	renderJSON(w, r, http.StatusCreated, chat)
}

// listChatsHandler returns the user's chats, most recently active first
func (s *Server) listChatsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)

	chats, err := s.chats.ListChats(r.Context(), requestUser(r), limit, offset)
	if err != nil {
		log.Printf("[ERROR] failed to list chats: %v", err)
		renderError(w, r, fmt.Errorf("failed to list chats"), http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, chats)
}

// getChatHandler returns one chat owned by the user
func (s *Server) getChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}
	renderJSON(w, r, http.StatusOK, chat)
}

// deleteChatHandler removes a chat and its messages
func (s *Server) deleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	if err := s.chats.DeleteChat(r.Context(), chat.ID); err != nil {
		log.Printf("[ERROR] failed to delete chat %s: %v", chat.ID, err)
		renderError(w, r, fmt.Errorf("failed to delete chat"), http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// listMessagesHandler returns a chat's messages in chronological order
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	limit, offset := pageParams(r, 200)
	messages, err := s.chats.ListMessages(r.Context(), chat.ID, limit, offset)
	if err != nil {
		log.Printf("[ERROR] failed to list messages for %s: %v", chat.ID, err)
		renderError(w, r, fmt.Errorf("failed to list messages"), http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, messages)
}

// postMessageHandler stores the user's message, asks the chat's provider for
// a completion and stores the reply. Both sides are sanitized before storage.
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chat, ok := s.ownedChat(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" {
		renderError(w, r, fmt.Errorf("empty message"), http.StatusBadRequest)
		return
	}

	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.chats.AddMessage(ctx, userMsg); err != nil {
		log.Printf("[ERROR] failed to store message: %v", err)
		renderError(w, r, fmt.Errorf("failed to store message"), http.StatusInternalServerError)
		return
	}

	history, err := s.chats.ListMessages(ctx, chat.ID, 0, 0)
	if err != nil {
		log.Printf("[ERROR] failed to load history for %s: %v", chat.ID, err)
		renderError(w, r, fmt.Errorf("failed to load history"), http.StatusInternalServerError)
		return
	}

	provider, err := s.providers.Get(chat.Provider)
	if err != nil {
		renderError(w, r, fmt.Errorf("unknown provider %q", chat.Provider), http.StatusBadRequest)
		return
	}

	reply, err := provider.Complete(ctx, llm.Request{
		Messages: history,
		Model:    chat.Model,
		APIKey:   s.userAPIKey(chat.UserID, chat.Provider),
	})
	if err != nil {
		log.Printf("[ERROR] completion failed for chat %s: %v", chat.ID, err)
		renderError(w, r, fmt.Errorf("provider request failed"), http.StatusBadGateway)
		return
	}

	assistantMsg := &domain.Message{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Role:      domain.RoleAssistant,
		Content:   strings.TrimSpace(s.sanitizer.Sanitize(reply)),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.chats.AddMessage(ctx, assistantMsg); err != nil {
		log.Printf("[ERROR] failed to store reply: %v", err)
		renderError(w, r, fmt.Errorf("failed to store reply"), http.StatusInternalServerError)
		return
	}

	renderJSON(w, r, http.StatusOK, assistantMsg)
}

// userAPIKey unseals the user's stored credential for a provider, empty when
// none is stored or it can't be decrypted (the provider falls back to the
// service-wide key)
func (s *Server) userAPIKey(userID, provider string) string {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return ""
	}
	doc, ok := sess.Coordinator.Cached()
	if !ok {
		return ""
	}
	sealed, ok := doc.APIKeyMaterial[provider]
	if !ok || len(sealed) == 0 {
		return ""
	}

	key, err := s.keys.Open(userID, sealed)
	if err != nil {
		log.Printf("[WARN] can't decrypt %s key for %s: %v", provider, userID, err)
		return ""
	}
	return string(key)
}

// ownedChat loads the chat from the path and verifies the requester owns it
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request) (*domain.Chat, bool) {
	chat, err := s.chats.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			renderError(w, r, fmt.Errorf("chat not found"), http.StatusNotFound)
			return nil, false
		}
		log.Printf("[ERROR] failed to load chat: %v", err)
		renderError(w, r, fmt.Errorf("failed to load chat"), http.StatusInternalServerError)
		return nil, false
	}

	// not found rather than forbidden, don't leak other users' chat IDs
	if chat.UserID != requestUser(r) {
		renderError(w, r, fmt.Errorf("chat not found"), http.StatusNotFound)
		return nil, false
	}
	return chat, true
}

// pageParams parses limit/offset query parameters with a default page size
func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
