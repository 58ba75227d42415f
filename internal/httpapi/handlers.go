// Package httpapi is the HTTP surface: magic-link redemption, the provider
// status webhook, the operator websocket and the admin regenerate endpoint.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"yardlink.org/internal/auth"
	"yardlink.org/internal/delivery"
	"yardlink.org/internal/magiclink"
	"yardlink.org/internal/obs"
)

const (
	webhookBodyLimit = 64 << 10
	timeFormat       = time.RFC3339
)

// LinkService redeems and reissues magic links. *magiclink.Service satisfies it.
type LinkService interface {
	ValidateAndConsume(ctx context.Context, secret string) (magiclink.Identity, error)
	Regenerate(ctx context.Context, employeeID string) (magiclink.Link, error)
}

// SessionMinter turns a redeemed link into a session credential.
type SessionMinter interface {
	Mint(ctx context.Context, id magiclink.Identity) (auth.Session, error)
}

// TokenVerifier checks bearer tokens on protected routes.
type TokenVerifier interface {
	ParseAndValidate(raw string) (*auth.Claims, error)
}

// StatusHandler is the shared delivery-status logic.
type StatusHandler interface {
	OnDeliveryStatus(ctx context.Context, r delivery.Report) (delivery.Outcome, error)
}

// StatusPublisher hands verified reports to the status queue.
type StatusPublisher interface {
	Publish(ctx context.Context, reports ...delivery.Report) error
}

// OperatorSessions upgrades and registers operator websockets.
type OperatorSessions interface {
	Serve(w http.ResponseWriter, r *http.Request, yardID string) error
}

// ReadyProbe reports whether dependencies are reachable.
type ReadyProbe func(ctx context.Context) error

// Deps are the collaborators behind the routes.
type Deps struct {
	Links     LinkService
	Minter    SessionMinter
	Verifier  TokenVerifier
	Status    StatusHandler
	Publisher StatusPublisher // set only in async webhook mode
	Operators OperatorSessions
	Ready     ReadyProbe
}

// Settings tune the HTTP layer.
type Settings struct {
	Version       string
	WebhookSecret []byte
	// WebhookURL is the URL the provider signs. When empty it is rebuilt
	// from the request.
	WebhookURL  string
	CORSOrigins []string
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	ValidateRPS    float64
	ValidateBurst  int
	OperatorAuth   bool
}

// API is the HTTP layer.
type API struct {
	deps     Deps
	settings Settings
	limiter  *RateLimiter
	router   chi.Router
}

func New(deps Deps, settings Settings) *API {
	if settings.ValidateRPS <= 0 {
		settings.ValidateRPS = 5
	}
	a := &API{
		deps:     deps,
		settings: settings,
		limiter:  NewRateLimiter(settings.ValidateRPS, settings.ValidateBurst),
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.settings.TrustedProxies), Logging, Recoverer, SecurityHeaders)
	if len(a.settings.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.settings.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
			MaxAge:         600,
		}))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.With(a.limiter.Middleware).Get("/auth/validate", a.ValidateLink)
	r.With(MaxBodyBytes(webhookBodyLimit)).Post("/webhooks/delivery-status", a.DeliveryStatus)
	r.Get("/ws/operator", a.OperatorSocket)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.requireRole(auth.RoleAdmin))
		v1.Post("/employees/{employeeID}/magic-link", a.RegenerateLink)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "yardlink",
		"version": a.settings.Version,
	})
}

func (a *API) Readyz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			logger := obs.Ctx(r.Context())
			logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
