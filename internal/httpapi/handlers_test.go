package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/store/memory"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

type recordingAuditor struct {
	mu      sync.Mutex
	records []auth.AccessRecord
}

func (r *recordingAuditor) Append(rec auth.AccessRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingAuditor) last(t *testing.T) auth.AccessRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		t.Fatal("no access record emitted")
	}
	return r.records[len(r.records)-1]
}

type testAPI struct {
	t       *testing.T
	api     *API
	handler http.Handler
	store   *memory.Store
	guard   *auth.Guard
	audit   *recordingAuditor
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	codec, err := auth.NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := memory.New()
	recorder := &recordingAuditor{}
	guard, err := auth.NewGuard(codec, store, auth.WithAuditor(recorder), auth.WithCallTimeout(time.Second))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	guard.Registry().Register("shipments", store.Accessor("shipments"))

	base := []Option{WithRateLimit(1000, 1000), WithSecureCookies(false)}
	api := New(guard, ReadyProbe{}, "test", append(base, opts...)...)
	return &testAPI{t: t, api: api, handler: api.Handler(t.Context()), store: store, guard: guard, audit: recorder}
}

func (c *testAPI) putUser(id, email, password string, role auth.Role, verified bool) {
	c.t.Helper()
	hash := ""
	if password != "" {
		var err error
		if hash, err = auth.HashPassword(password); err != nil {
			c.t.Fatalf("hash: %v", err)
		}
	}
	c.store.PutSubject(auth.Subject{
		ID: id, Kind: auth.SubjectKindUser, Role: role, Email: email,
		IsActive: true, IsVerified: verified,
	}, hash)
}

func (c *testAPI) token(id string, role auth.Role) string {
	c.t.Helper()
	pair, err := c.guard.IssueTokenPair(context.Background(), id, role)
	if err != nil {
		c.t.Fatalf("issue: %v", err)
	}
	return pair.AccessToken
}

func (c *testAPI) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) errorEnvelope {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	env := decode[errorEnvelope](t, rr)
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q", code, env.Error.Code)
	}
	if env.RequestID == "" {
		t.Fatalf("expected request_id in body")
	}
	return env
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "ops@cargolane.io", "correct horse", auth.RoleUser, true)

	rr := api.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "OPS@cargolane.io", "password": "correct horse"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	login := decode[sessionResponse](t, rr)
	if login.AccessToken == "" || login.RefreshToken == "" || login.Subject.ID != "u1" {
		t.Fatalf("unexpected login response %+v", login)
	}
	cookie := rr.Result().Cookies()
	if len(cookie) != 1 || cookie[0].Name != auth.AccessTokenCookie || !cookie[0].HttpOnly || cookie[0].SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected session cookie %+v", cookie)
	}
	if rec := api.audit.last(t); rec.SubjectID != "u1" || rec.CredentialKind != auth.CredentialPassword || rec.StatusCode != http.StatusOK {
		t.Fatalf("unexpected login audit %+v", rec)
	}

	rr = api.do(http.MethodGet, "/v1/auth/me", nil, bearer(login.AccessToken))
	if rr.Code != http.StatusOK || decode[auth.Subject](t, rr).ID != "u1" {
		t.Fatalf("me with bearer: %d %s", rr.Code, rr.Body.String())
	}
	rr = api.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{"Cookie": auth.AccessTokenCookie + "=" + login.AccessToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("me with cookie: %d", rr.Code)
	}

	rr = api.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": login.RefreshToken}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}
	rotated := decode[sessionResponse](t, rr)
	if rotated.RefreshToken == login.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	rr = api.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": login.RefreshToken}, nil)
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeTokenRevoked))

	rr = api.do(http.MethodPost, "/v1/auth/logout", map[string]string{"refresh_token": rotated.RefreshToken}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rr.Code)
	}
	rr = api.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": rotated.RefreshToken}, nil)
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeTokenRevoked))
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "ops@cargolane.io", "correct horse", auth.RoleUser, true)

	rr := api.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ops@cargolane.io", "password": "nope"}, nil)
	env := expectError(t, rr, http.StatusUnauthorized, string(auth.CodeInvalidLogin))
	if strings.Contains(rr.Body.String(), "nope") {
		t.Fatalf("credential echoed in %q", env.Error.Message)
	}
	rr = api.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ghost@cargolane.io", "password": "nope"}, nil)
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeInvalidLogin))

	rr = api.do(http.MethodGet, "/v1/auth/login", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestMissingCredentialIsAudited(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(http.MethodGet, "/v1/auth/me", nil, nil)
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeMissingCredential))
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	rec := api.audit.last(t)
	if rec.StatusCode != http.StatusUnauthorized || rec.ErrorCode != string(auth.CodeMissingCredential) || rec.Endpoint != "/v1/auth/me" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.RequestID == "" || rec.RequestID != rr.Header().Get("X-Request-ID") {
		t.Fatalf("request id not propagated: %+v", rec)
	}
}

func TestAmbiguousCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "", "", auth.RoleUser, true)
	api.store.PutAPIKey("ck_live_1", auth.APIKeyConfig{ID: "k1", OwnerID: "u1", IsActive: true})

	headers := bearer(api.token("u1", auth.RoleUser))
	headers[auth.APIKeyHeader] = "ck_live_1"
	rr := api.do(http.MethodGet, "/v1/auth/me", nil, headers)
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeAmbiguousCredentials))
}

func TestAPIKeyQuotaOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "", "", auth.RoleUser, true)
	api.store.PutAPIKey("ck_live_quota", auth.APIKeyConfig{
		ID: "k1", OwnerID: "u1", IsActive: true, RateLimit: 2, Window: time.Hour,
	})
	headers := map[string]string{auth.APIKeyHeader: "ck_live_quota"}

	for i := 0; i < 2; i++ {
		if rr := api.do(http.MethodGet, "/v1/auth/me", nil, headers); rr.Code != http.StatusOK {
			t.Fatalf("request %d: %d %s", i+1, rr.Code, rr.Body.String())
		}
	}
	rr := api.do(http.MethodGet, "/v1/auth/me", nil, headers)
	expectError(t, rr, http.StatusTooManyRequests, string(auth.CodeRateLimited))
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rec := api.audit.last(t); rec.CredentialKind != auth.CredentialAPIKey || rec.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAPIKeyOfDeactivatedOwner(t *testing.T) {
	api := newTestAPI(t)
	api.store.PutSubject(auth.Subject{ID: "u7", Kind: auth.SubjectKindUser, Role: auth.RoleUser}, "")
	api.store.PutAPIKey("ck_live_7", auth.APIKeyConfig{ID: "k7", OwnerID: "u7", IsActive: true})

	rr := api.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{auth.APIKeyHeader: "ck_live_7"})
	expectError(t, rr, http.StatusUnauthorized, string(auth.CodeSubjectInactive))
}

func TestShipmentOwnership(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "", "", auth.RoleUser, true)
	api.putUser("u2", "", "", auth.RoleUser, true)
	api.putUser("a1", "", "", auth.RoleAdmin, true)
	api.store.PutResource("shipments", "s1", map[string]any{"id": "s1", "user": "u1", "status": "in_transit"})

	rr := api.do(http.MethodGet, "/v1/shipments/s1", nil, bearer(api.token("u1", auth.RoleUser)))
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["status"] != "in_transit" {
		t.Fatalf("owner: %d %s", rr.Code, rr.Body.String())
	}

	rr = api.do(http.MethodGet, "/v1/shipments/s1", nil, bearer(api.token("u2", auth.RoleUser)))
	expectError(t, rr, http.StatusForbidden, string(auth.CodeOwnershipMismatch))
	if rec := api.audit.last(t); rec.SubjectID != "u2" || rec.ErrorCode != string(auth.CodeOwnershipMismatch) {
		t.Fatalf("unexpected record %+v", rec)
	}

	if rr = api.do(http.MethodGet, "/v1/shipments/s1", nil, bearer(api.token("a1", auth.RoleAdmin))); rr.Code != http.StatusOK {
		t.Fatalf("admin: %d", rr.Code)
	}

	rr = api.do(http.MethodGet, "/v1/shipments/missing", nil, bearer(api.token("u1", auth.RoleUser)))
	expectError(t, rr, http.StatusNotFound, string(auth.CodeNotFound))
}

func TestShipmentFetchIsBounded(t *testing.T) {
	api := newTestAPI(t, WithCallTimeout(20*time.Millisecond))
	api.putUser("a1", "", "", auth.RoleAdmin, true)
	api.guard.Registry().Register("shipments", func(ctx context.Context, _ string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	rr := api.do(http.MethodGet, "/v1/shipments/s1", nil, bearer(api.token("a1", auth.RoleAdmin)))
	expectError(t, rr, http.StatusInternalServerError, string(auth.CodeUnavailable))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fetch not bounded: %v", elapsed)
	}
}

func TestAuthzCheck(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "", "", auth.RoleUser, false)
	api.putUser("m1", "", "", auth.RoleModerator, true)
	api.store.PutResource("shipments", "s1", map[string]any{"user_id": "u1"})

	user := bearer(api.token("u1", auth.RoleUser))
	mod := bearer(api.token("m1", auth.RoleModerator))

	rr := api.do(http.MethodPost, "/v1/authz/check", map[string]any{"roles": []string{"admin", "moderator"}}, user)
	expectError(t, rr, http.StatusForbidden, string(auth.CodeRoleMismatch))

	rr = api.do(http.MethodPost, "/v1/authz/check", map[string]any{"require_verified": true}, user)
	expectError(t, rr, http.StatusForbidden, string(auth.CodeSubjectUnverified))

	rr = api.do(http.MethodPost, "/v1/authz/check", map[string]any{"permission": auth.PermContentModerate}, user)
	expectError(t, rr, http.StatusForbidden, string(auth.CodePermissionDenied))

	rr = api.do(http.MethodPost, "/v1/authz/check", map[string]any{
		"roles": []string{"moderator"}, "permission": auth.PermContentModerate, "require_verified": true,
	}, mod)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("moderator check: %d %s", rr.Code, rr.Body.String())
	}

	rr = api.do(http.MethodPost, "/v1/authz/check", map[string]any{
		"resource_type": "shipments", "resource_id": "s1", "owner_field": "user_id",
	}, user)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("owner check: %d %s", rr.Code, rr.Body.String())
	}

	rr = api.do(http.MethodPost, "/v1/authz/check", map[string]any{"resource_type": "shipments"}, user)
	expectError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestInfrastructureFailureIsOpaque(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "", "", auth.RoleUser, true)
	api.guard.Registry().Register("orders", func(context.Context, string) (map[string]any, error) {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	})

	rr := api.do(http.MethodPost, "/v1/authz/check", map[string]any{
		"resource_type": "orders", "resource_id": "o1",
	}, bearer(api.token("u1", auth.RoleUser)))
	env := expectError(t, rr, http.StatusInternalServerError, string(auth.CodeUnavailable))
	if env.Error.Message != "internal error" || strings.Contains(rr.Body.String(), "10.0.0.5") {
		t.Fatalf("cause leaked: %s", rr.Body.String())
	}
}

func TestRevokeAll(t *testing.T) {
	api := newTestAPI(t)
	api.putUser("u1", "ops@cargolane.io", "correct horse", auth.RoleUser, true)

	first := decode[sessionResponse](t, api.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ops@cargolane.io", "password": "correct horse"}, nil))
	second := decode[sessionResponse](t, api.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "ops@cargolane.io", "password": "correct horse"}, nil))

	if rr := api.do(http.MethodPost, "/v1/auth/revoke-all", nil, bearer(second.AccessToken)); rr.Code != http.StatusNoContent {
		t.Fatalf("revoke-all: %d %s", rr.Code, rr.Body.String())
	}
	for _, refresh := range []string{first.RefreshToken, second.RefreshToken} {
		rr := api.do(http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refresh}, nil)
		expectError(t, rr, http.StatusUnauthorized, string(auth.CodeTokenRevoked))
	}

	api.store.PutAPIKey("ck_live_2", auth.APIKeyConfig{ID: "k2", OwnerID: "u1", IsActive: true})
	rr := api.do(http.MethodPost, "/v1/auth/revoke-all", nil, map[string]string{auth.APIKeyHeader: "ck_live_2"})
	expectError(t, rr, http.StatusForbidden, string(auth.CodePermissionDenied))
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthAndReadiness(t *testing.T) {
	codec, err := auth.NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	guard, err := auth.NewGuard(codec, memory.New())
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	ready := New(guard, ReadyProbe{DB: stubPinger{}, Quota: stubPinger{}}, "1.2.3").Handler(t.Context())
	rr := httptest.NewRecorder()
	ready.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	ready.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if body := decode[map[string]any](t, rr); body["version"] != "1.2.3" {
		t.Fatalf("healthz: %v", body)
	}

	notReady := New(guard, ReadyProbe{Quota: stubPinger{err: errors.New("redis down")}}, "1.2.3").Handler(t.Context())
	rr = httptest.NewRecorder()
	notReady.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "redis down") {
		t.Fatalf("probe error leaked")
	}
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/v1/nowhere", nil, nil)
	expectError(t, rr, http.StatusNotFound, "not_found")
}
