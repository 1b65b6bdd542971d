package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/model"
)

// Whitelist adapts two plain id sets into the WhitelistChecker
// contract clients consult on every invoke/sdk call.
type Whitelist struct {
	Groups map[int64]bool
	Users  map[int64]bool
}

func (w Whitelist) AllowGroup(groupID int64) bool {
	if len(w.Groups) == 0 {
		return true
	}
	return w.Groups[groupID]
}

func (w Whitelist) AllowUser(userID int64) bool {
	if len(w.Users) == 0 {
		return true
	}
	return w.Users[userID]
}

// Config configures the downstream HTTP/WebSocket surface.
type Config struct {
	Host string
	Port int

	AuthRequired bool
	AuthSecret   string
	TokenTTL     time.Duration

	// Environment gates the /auth/token development-convenience route;
	// it is only mounted outside "production".
	Environment string

	Retry RetryConfig
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the StreamServer of spec.md §4.6: it accepts downstream
// connections, tracks them via Hub, and exposes the adapter's HTTP
// surface (health, metrics, token issuance).
type Server struct {
	cfg       Config
	hub       *Hub
	invoker   Invoker
	whitelist WhitelistChecker
	jwt       *JWTManager
	logger    zerolog.Logger

	httpServer *http.Server

	metricsHandler     http.Handler
	healthFunc         func() map[string]any
	systemSnapshotFunc func() any
}

func New(cfg Config, invoker Invoker, whitelist WhitelistChecker, logger zerolog.Logger) *Server {
	var jwtManager *JWTManager
	if cfg.AuthRequired {
		jwtManager = NewJWTManager(cfg.AuthSecret, cfg.TokenTTL)
	}

	return &Server{
		cfg:       cfg,
		hub:       NewHub(logger),
		invoker:   invoker,
		whitelist: whitelist,
		jwt:       jwtManager,
		logger:    logger.With().Str("component", "stream.server").Logger(),
	}
}

// SetMetricsHandler mounts a Prometheus (or other) metrics handler at
// /metrics. Optional.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metricsHandler = h }

// SetHealthFunc supplies extra fields for the /health payload. Optional;
// the payload always carries "status":"ok" and the current "clients"
// count, and the entries returned by f are merged over them.
func (s *Server) SetHealthFunc(f func() map[string]any) { s.healthFunc = f }

// SetSystemSnapshotFunc supplies the payload returned from
// /metrics/system (SPEC_FULL.md §6). Optional; the route is only
// mounted once this is set.
func (s *Server) SetSystemSnapshotFunc(f func() any) { s.systemSnapshotFunc = f }

// Hub exposes the client set so the Broker can broadcast formatted
// messages.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	if s.systemSnapshotFunc != nil {
		mux.HandleFunc("/metrics/system", s.handleSystemSnapshot)
	}
	if s.jwt != nil && s.cfg.Environment != "production" {
		mux.HandleFunc("/auth/token", s.handleToken)
	}
	return mux
}

// Run starts the hub loop and the HTTP server. It blocks until the
// listener stops (normally via Shutdown).
func (s *Server) Run() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port),
		Handler: corsMiddleware(s.mux()),
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("stream server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown sends every client a shutdown envelope, closes them, and
// stops the listener (spec.md §4.6).
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown("server shutting down")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast fans a formatted message out to every connected client
// (spec.md §4.7 step 5).
func (s *Server) Broadcast(data any) {
	s.hub.Broadcast(model.NewMessageEnvelope(data))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.jwt != nil {
		token := ExtractToken(r)
		if token == "" || s.jwt.Verify(token) != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, s.hub, s.invoker, s.whitelist, s.cfg.Retry, s.logger)
	s.hub.Register(client)
	client.writeEnvelope(model.NewWelcomeEnvelope("connected", time.Now().UnixMilli()))

	go client.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "clients": s.hub.ClientCount()}
	if s.healthFunc != nil {
		for k, v := range s.healthFunc() {
			payload[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleSystemSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.systemSnapshotFunc())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.jwt.Generate()
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
