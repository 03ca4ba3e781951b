package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/microcosm-cc/bluemonday"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
	"github.com/chatbuddy/chatbuddy/pkg/llm"
	engine "github.com/chatbuddy/chatbuddy/pkg/sync"
)

// Server represents HTTP server instance
type Server struct {
	config    ConfigProvider
	users     UserStore
	chats     ChatStore
	sessions  SessionManager
	auth      Authenticator
	keys      KeyBox
	providers ProviderSource
	cleaner   Cleaner
	version   string
	debug     bool

	sanitizer *bluemonday.Policy

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// Authenticator issues and validates session credentials
type Authenticator interface {
	HashPassword(plaintext string) (string, error)
	VerifyPassword(hash, plaintext string) error
	IssueToken(userID string) (string, error)
	ValidateToken(tokenStr string) (string, error)
}

// UserStore persists user accounts
type UserStore interface {
	Create(ctx context.Context, user *domain.User) error
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// ChatStore persists chats and messages
type ChatStore interface {
	CreateChat(ctx context.Context, chat *domain.Chat) error
	GetChat(ctx context.Context, id string) (*domain.Chat, error)
	ListChats(ctx context.Context, userID string, limit, offset int) ([]domain.Chat, error)
	AddMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]domain.Message, error)
	DeleteChat(ctx context.Context, id string) error
}

// SessionManager owns per-user sync sessions
type SessionManager interface {
	Open(userID string) (*engine.Session, error)
	Get(userID string) (*engine.Session, bool)
	CloseUser(userID string)
}

// KeyBox seals and opens per-user provider credentials
type KeyBox interface {
	Seal(userID string, plaintext []byte) ([]byte, error)
	Open(userID string, blob []byte) ([]byte, error)
}

// ProviderSource resolves configured AI providers
type ProviderSource interface {
	Get(name string) (llm.Provider, error)
	Names() []string
}

// Cleaner triggers on-demand retention cleanup
type Cleaner interface {
	CleanupNow(ctx context.Context) error
}

// Deps bundles the server dependencies
type Deps struct {
	Config    ConfigProvider
	Users     UserStore
	Chats     ChatStore
	Sessions  SessionManager
	Auth      Authenticator
	Keys      KeyBox
	Providers ProviderSource
	Cleaner   Cleaner
	Version   string
	Debug     bool
}

// New initializes a new server instance
func New(d Deps) *Server {
	s := &Server{
		config:    d.Config,
		users:     d.Users,
		chats:     d.Chats,
		sessions:  d.Sessions,
		auth:      d.Auth,
		keys:      d.Keys,
		providers: d.Providers,
		cleaner:   d.Cleaner,
		version:   d.Version,
		debug:     d.Debug,
		sanitizer: bluemonday.UGCPolicy(),
		router:    routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("chatbuddy", "chatbuddy", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(1024 * 1024)) // 1MB
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("POST /auth/signup", s.signupHandler)
		r.HandleFunc("POST /auth/login", s.loginHandler)

		r.Group().With(s.authRequired).Route(func(ar *routegroup.Bundle) {
			ar.HandleFunc("POST /auth/logout", s.logoutHandler)

			ar.HandleFunc("GET /settings", s.getSettingsHandler)
			ar.HandleFunc("PATCH /settings", s.patchSettingsHandler)
			ar.HandleFunc("GET /settings/status", s.settingsStatusHandler)
			ar.HandleFunc("POST /settings/flush", s.flushSettingsHandler)
			ar.HandleFunc("POST /settings/refresh", s.refreshSettingsHandler)
			ar.HandleFunc("PUT /settings/keys/{provider}", s.putProviderKeyHandler)
			ar.HandleFunc("GET /settings/stream", s.streamSettingsHandler)
			ar.HandleFunc("POST /settings/cleanup", s.cleanupHandler)

			ar.HandleFunc("POST /chats", s.createChatHandler)
			ar.HandleFunc("GET /chats", s.listChatsHandler)
			ar.HandleFunc("GET /chats/{id}", s.getChatHandler)
			ar.HandleFunc("DELETE /chats/{id}", s.deleteChatHandler)
			ar.HandleFunc("GET /chats/{id}/messages", s.listMessagesHandler)
			ar.HandleFunc("POST /chats/{id}/messages", s.postMessageHandler)
		})
	})
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"providers": s.providers.Names(),
		"time":      time.Now().UTC(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

type ctxKey string

const userIDKey ctxKey = "userID"

// authRequired validates the bearer token and puts the user ID in context
func (s *Server) authRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			renderError(w, r, fmt.Errorf("missing bearer token"), http.StatusUnauthorized)
			return
		}

		userID, err := s.auth.ValidateToken(token)
		if err != nil {
			renderError(w, r, fmt.Errorf("invalid token"), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// requestUser returns the authenticated user ID set by authRequired
func requestUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
