package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/repository"
)

// signupHandler registers a new account and opens its sync session
func (s *Server) signupHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		renderError(w, r, fmt.Errorf("invalid email"), http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		renderError(w, r, fmt.Errorf("password too short, minimum 8 characters"), http.StatusBadRequest)
		return
	}

	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			renderError(w, r, fmt.Errorf("email already registered"), http.StatusConflict)
			return
		}
		log.Printf("[ERROR] failed to create user: %v", err)
		renderError(w, r, fmt.Errorf("failed to create user"), http.StatusInternalServerError)
		return
	}

	s.startSession(w, r, user, http.StatusCreated)
}

// loginHandler verifies credentials and opens the user's sync session
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	user, err := s.users.GetByEmail(ctx, strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			renderError(w, r, fmt.Errorf("invalid credentials"), http.StatusUnauthorized)
			return
		}
		log.Printf("[ERROR] failed to look up user: %v", err)
		renderError(w, r, fmt.Errorf("failed to look up user"), http.StatusInternalServerError)
		return
	}

	if err := s.auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		renderError(w, r, fmt.Errorf("invalid credentials"), http.StatusUnauthorized)
		return
	}

	s.startSession(w, r, user, http.StatusOK)
}

// logoutHandler tears down the user's sync session, dropping unsaved edits
func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	s.sessions.CloseUser(userID)
	renderJSON(w, r, http.StatusOK, map[string]string{"status": "signed out"})
}

// startSession opens the sync session and responds with a fresh token
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *domain.User, code int) {
	if _, err := s.sessions.Open(user.ID); err != nil {
		log.Printf("[ERROR] failed to open session for %s: %v", user.ID, err)
		renderError(w, r, fmt.Errorf("failed to open session"), http.StatusInternalServerError)
		return
	}

	token, err := s.auth.IssueToken(user.ID)
	if err != nil {
		log.Printf("[ERROR] failed to issue token for %s: %v", user.ID, err)
		renderError(w, r, fmt.Errorf("failed to issue token"), http.StatusInternalServerError)
		return
	}

	renderJSON(w, r, code, map[string]string{
		"token":   token,
		"user_id": user.ID,
		"email":   user.Email,
	})
}
