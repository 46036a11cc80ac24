package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/auth"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/config"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/pairing"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/storage"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/validation"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// RESTServer represents the REST API server
type RESTServer struct {
	config      *config.Config
	store       storage.Store
	engine      *pairing.Engine
	auth        *auth.JWTManager
	validator   *validation.Validator
	router      chi.Router
	server      *http.Server
	authEnabled bool
}

// NewRESTServer creates a new REST API server. store may be nil when the
// agent runs without a database; the fleet endpoints then answer 503.
func NewRESTServer(cfg *config.Config, store storage.Store, engine *pairing.Engine) *RESTServer {
	s := &RESTServer{
		config:      cfg,
		store:       store,
		engine:      engine,
		auth:        auth.NewJWTManager(&cfg.JWT),
		validator:   validation.NewValidator(),
		router:      chi.NewRouter(),
		authEnabled: cfg.API.AuthRequired,
	}

	if s.authEnabled && store == nil {
		log.Warn().Msg("API auth requires a database for driver accounts, disabling auth")
		s.authEnabled = false
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	origins := s.config.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree
func (s *RESTServer) Router() http.Handler {
	return s.router
}

// maybeAuth applies the auth middleware when driver auth is enabled
func (s *RESTServer) maybeAuth(r chi.Router) {
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}
}

// authMiddleware is the authentication middleware. The session stream is
// consumed from a browser WebSocket which cannot set headers, so a token
// query parameter is accepted as a fallback.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenString string

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom extracts driver claims stored by authMiddleware
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
