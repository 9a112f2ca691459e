package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/obs"
)

const serviceName = "cargolane-gate"

// Pinger is a dependency answering readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the configured dependencies. Nil fields are skipped.
type ReadyProbe struct {
	DB    Pinger
	Quota Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Quota != nil {
		if err := rp.Quota.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Guard is the access-control surface the HTTP layer depends on.
type Guard interface {
	Authenticate(ctx context.Context, req auth.Request) (*auth.Subject, error)
	AuthorizeRole(subject *auth.Subject, allowed ...auth.Role) error
	AuthorizePermission(subject *auth.Subject, permission string) error
	RequireVerified(subject *auth.Subject) error
	ValidateOwnership(ctx context.Context, subject *auth.Subject, resourceType, resourceID, ownerField string) error
	Registry() *auth.ResourceRegistry

	Login(ctx context.Context, email, password string) (auth.TokenPair, *auth.Subject, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, *auth.Subject, error)
	Logout(ctx context.Context, refreshToken string) error
	RevokeAll(ctx context.Context, subjectID string) error
	RecordAccess(rec auth.AccessRecord)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	guard      Guard
	readyProbe ReadyProbe
	version    string

	rateBurst      int
	ratePerSec     float64
	corsOrigins    []string
	trustedProxies []netip.Prefix
	secureCookies  bool
	callTimeout    time.Duration
}

type Option func(*API)

// WithRateLimit sets the per-IP token bucket applied before authentication.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithCORSOrigins replaces the allowed origins. "*" allows any origin
// without credentials.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is honoured.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithCallTimeout bounds the resource fetches made by handlers.
func WithCallTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// WithSecureCookies toggles the Secure attribute on the session cookie.
func WithSecureCookies(v bool) Option {
	return func(a *API) { a.secureCookies = v }
}

func New(guard Guard, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		guard:         guard,
		readyProbe:    rp,
		version:       version,
		rateBurst:     40,
		ratePerSec:    20,
		secureCookies: true,
		callTimeout:   auth.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// sessions
	a.mux.Handle("/v1/auth/login", a.withAudit(auth.CredentialPassword, http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/v1/auth/refresh", a.withAudit(auth.CredentialRefresh, http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("/v1/auth/logout", a.withAudit(auth.CredentialRefresh, http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/v1/auth/me", a.protect(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/auth/revoke-all", a.protect(http.HandlerFunc(a.handleRevokeAll)))

	// decisions for other services
	a.mux.Handle("/v1/authz/check", a.protect(http.HandlerFunc(a.handleAuthzCheck)))

	// owned resources
	a.mux.Handle("GET /v1/shipments/{id}", a.protect(
		a.RequirePermission(auth.PermShipmentsRead)(
			a.RequireOwnership("shipments", "id", "")(http.HandlerFunc(a.handleShipment)))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server. Background
// housekeeping stops when ctx ends.
func (a *API) Handler(ctx context.Context) http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(ctx, h, a.rateBurst, a.ratePerSec, a.clientIP)
	h = LoggingJSON(h)
	h = obs.Instrument(h)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Log("warn", "readiness check failed", map[string]any{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if aw, ok := w.(*auditWriter); ok {
		aw.errCode = code
	}
	payload := map[string]any{
		"error": errorBody{Code: code, Message: msg},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeAuthError renders a denial. Infrastructure causes are logged and never
// sent to the caller.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	e := auth.AsError(err)
	status := e.Status()
	msg := e.Message
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="cargolane"`)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", `Bearer realm="cargolane", error="insufficient_scope"`)
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", retryAfterSeconds(e.RetryAfter))
	case http.StatusInternalServerError:
		obs.Log("error", "access decision failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err,
		})
		msg = "internal error"
	}
	writeError(w, r, status, string(e.Code), msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
