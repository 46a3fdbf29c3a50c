package internal

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/internal/storage"
)

// ServerConfig carries the tunables the HTTP and websocket layers need.
// Zero values are replaced with the defaults below.
type ServerConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	PingInterval    time.Duration
	UploadDir       string
	MaxUploadBytes  int64
	AuthRateLimit   int
	AuthRateWindow  time.Duration
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-change-me"
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 10
	}
	if cfg.AuthRateWindow <= 0 {
		cfg.AuthRateWindow = time.Minute
	}
}

// Server owns the live-connection machinery and exposes the HTTP and
// websocket surface on top of the store.
type Server struct {
	store       *storage.Store
	registry    *Registry
	router      *Router
	liveness    *LivenessMonitor
	reactions   *ReactionAggregator
	receipts    *ReadReceiptTracker
	auth        *AuthGateway
	metrics     *Metrics
	uploads     *FileStore
	authLimiter *RateLimiter
}

func NewServer(store *storage.Store, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	metrics := NewMetrics()
	registry := NewRegistry()
	router := NewRouter(registry, metrics)
	return &Server{
		store:       store,
		registry:    registry,
		router:      router,
		liveness:    NewLivenessMonitor(registry, metrics, cfg.PingInterval),
		reactions:   NewReactionAggregator(store),
		receipts:    NewReadReceiptTracker(store),
		auth:        NewAuthGateway(store, []byte(cfg.JWTSecret), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		metrics:     metrics,
		uploads:     NewFileStore(cfg.UploadDir, cfg.MaxUploadBytes),
		authLimiter: NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow),
	}
}

// Start launches the liveness monitor.
func (s *Server) Start() {
	s.liveness.Start()
}

// Shutdown stops the liveness monitor and closes every live connection with
// a going-away frame.
func (s *Server) Shutdown() {
	s.liveness.Stop()
	for _, c := range s.registry.All() {
		if _, err := s.registry.Deregister(c); err == nil {
			s.metrics.DecConn()
		}
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// RegisterHandlers wires every endpoint onto the mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/signup", s.handleSignup)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)
	mux.HandleFunc("/api/auth/me", s.handleMe)

	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/api/rooms/", s.handleRoomSubtree)
	mux.HandleFunc("/api/messages/", s.handleMessageSubtree)
	mux.HandleFunc("/api/reactions/available", s.handleAvailableReactions)

	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/upload-image", s.handleUploadImage)
	mux.HandleFunc("/api/files/", s.handleServeFile)

	mux.HandleFunc("/ws/chat/", s.handleWS)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Len(),
	})
}

// authenticateRequest resolves the Bearer token on an HTTP request.
func (s *Server) authenticateRequest(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrInvalidToken
	}
	return s.auth.Verify(r.Context(), token)
}

// requireAuth is authenticateRequest plus the 401 response on failure.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) *Identity {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			log.Printf("auth check failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return nil
		}
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return nil
	}
	return identity
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
