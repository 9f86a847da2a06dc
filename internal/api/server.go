package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains everything needed to build the API server.
type ServerConfig struct {
	Logger       *slog.Logger
	Orchestrator runner        // required
	ThreadStore  threadStore   // required
	Pool         *pgxpool.Pool // optional: nil disables the DB ping in /ready
	HMACSecret   []byte        // required: 32+ bytes, signs cookies and CSRF tokens
	CORSOrigins  []string
	IsDev        bool    // plain-HTTP cookies, no HSTS
	TrustProxy   bool    // honor X-Real-IP/X-Forwarded-For
	RateRPS      float64 // token refill per second per IP (0 = default 10)
	RateBurst    int     // bucket size per IP (0 = default 30)
}

// Server is the HTTP server for the JSON API and the chat stream.
type Server struct {
	mux *http.ServeMux
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	if cfg.ThreadStore == nil {
		return nil, errors.New("api: thread store is required")
	}
	if len(cfg.HMACSecret) < 32 {
		return nil, errors.New("api: hmac secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pm := &principalManager{
		secret: cfg.HMACSecret,
		isDev:  cfg.IsDev,
		logger: logger,
	}
	th := &threadHandler{store: cfg.ThreadStore, logger: logger}
	ch := &chatHandler{orchestrator: cfg.Orchestrator, logger: logger}

	mux := http.NewServeMux()

	// Auth bootstrap and CSRF provisioning
	mux.HandleFunc("POST /api/v1/auth/session", pm.bootstrapSession)
	mux.HandleFunc("GET /api/v1/auth/csrf", pm.csrfToken)

	// Thread CRUD
	mux.HandleFunc("POST /api/v1/threads", th.createThread)
	mux.HandleFunc("GET /api/v1/threads", th.listThreads)
	mux.HandleFunc("GET /api/v1/threads/{id}", th.getThread)
	mux.HandleFunc("DELETE /api/v1/threads/{id}", th.deleteThread)
	mux.HandleFunc("GET /api/v1/threads/{id}/messages", th.listMessages)

	// Chat stream
	mux.HandleFunc("POST /api/v1/chat", ch.send)

	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	rl := newRateLimiter(rps, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Principal → CSRF → Routes
	// RequestID precedes Logging so log lines carry the id; CORS precedes
	// RateLimit so rejected preflights still get CORS headers.
	var handler http.Handler = mux
	handler = csrfMiddleware(pm)(handler)
	handler = principalMiddleware(pm)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
