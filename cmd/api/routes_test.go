package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voice-gateway/internal/auth"
	"voice-gateway/internal/cache"
	"voice-gateway/internal/calls"
	"voice-gateway/internal/config"
	"voice-gateway/internal/httpapi"
	"voice-gateway/internal/rbac"
	"voice-gateway/internal/sessions"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newRouter(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mc := cache.NewMemoryCache()
	reg := calls.NewRegistry(calls.NewMemoryStore(), mc, calls.RegistryConfig{}, log)
	tracker := sessions.NewTracker(reg, mc, time.Hour, log)

	r := gin.New()
	registerRoutes(r, httpapi.Handlers{Calls: reg, Sessions: tracker, Tokens: m},
		auth.RequireAccessToken(m), promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}))
	return r, m
}

func call(t *testing.T, r *gin.Engine, m *auth.Manager, role, method, path, body string) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if role != "" {
		tok, err := m.IssueAccess(time.Now(), "user-"+role, role)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRoutes_TokenLifecycle(t *testing.T) {
	r, m := newRouter(t)

	post := func(path, token string, body any) *httptest.ResponseRecorder {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	admin, err := m.IssueAccess(time.Now(), "ops", rbac.RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := post("/v1/auth/tokens", admin, map[string]string{"user_id": "agent-9", "role": rbac.RoleAgent})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if code := callWithToken(t, r, pair.AccessToken, http.MethodGet, "/v1/calls/active"); code != http.StatusOK {
		t.Fatalf("issued agent token rejected: %d", code)
	}
	// A refresh token is not an access token.
	if code := callWithToken(t, r, pair.RefreshToken, http.MethodGet, "/v1/calls/active"); code != http.StatusUnauthorized {
		t.Fatalf("refresh token accepted as access: %d", code)
	}

	w = post("/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	var renewed auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &renewed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := m.Verify(renewed.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.UserID != "agent-9" || claims.Role != rbac.RoleAgent {
		t.Fatalf("unexpected renewed claims %+v (%v)", claims, err)
	}

	w = post("/v1/auth/tokens", admin, map[string]string{"user_id": "x", "role": rbac.RoleService})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("service role must go through service-tokens, got %d", w.Code)
	}

	w = post("/v1/auth/service-tokens", admin, map[string]string{"client_id": "crm-sync"})
	if w.Code != http.StatusCreated {
		t.Fatalf("service token: %d", w.Code)
	}
	var svc struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &svc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	create := `{"phone_number":"+15550001","direction":"incoming"}`
	if code := callWithToken(t, r, svc.AccessToken, http.MethodPost, "/v1/calls", create); code != http.StatusCreated {
		t.Fatalf("service token cannot create calls: %d", code)
	}
}

func callWithToken(t *testing.T, r *gin.Engine, token, method, path string, body ...string) int {
	t.Helper()
	var rd io.Reader
	if len(body) > 0 {
		rd = strings.NewReader(body[0])
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRoutes_RoleMatrix(t *testing.T) {
	r, m := newRouter(t)
	create := `{"phone_number":"+15550001","direction":"incoming"}`

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health is public", "", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics are public", "", http.MethodGet, "/metrics", "", http.StatusOK},
		{"api needs a token", "", http.MethodGet, "/v1/calls/active", "", http.StatusUnauthorized},
		{"agent reads active calls", rbac.RoleAgent, http.MethodGet, "/v1/calls/active", "", http.StatusOK},
		{"agent cannot create calls", rbac.RoleAgent, http.MethodPost, "/v1/calls", create, http.StatusForbidden},
		{"service creates calls", rbac.RoleService, http.MethodPost, "/v1/calls", create, http.StatusCreated},
		{"service cannot read history", rbac.RoleService, http.MethodGet, "/v1/calls", "", http.StatusForbidden},
		{"admin bypasses", rbac.RoleAdmin, http.MethodGet, "/v1/sessions/active", "", http.StatusOK},
		{"agent cannot list sessions", rbac.RoleAgent, http.MethodGet, "/v1/sessions/active", "", http.StatusForbidden},
		{"dial without sip", rbac.RoleAgent, http.MethodPost, "/v1/calls/dial", `{"phone_number":"+1"}`, http.StatusServiceUnavailable},
		{"participants of unknown call", rbac.RoleAgent, http.MethodGet, "/v1/calls/none/participants", "", http.StatusNotFound},
		{"admin issues tokens", rbac.RoleAdmin, http.MethodPost, "/v1/auth/tokens", `{"user_id":"a1","role":"agent"}`, http.StatusCreated},
		{"supervisor cannot issue tokens", rbac.RoleSupervisor, http.MethodPost, "/v1/auth/tokens", `{"user_id":"a1","role":"agent"}`, http.StatusForbidden},
		{"service cannot mint service tokens", rbac.RoleService, http.MethodPost, "/v1/auth/service-tokens", `{"client_id":"crm"}`, http.StatusForbidden},
		{"refresh is public but checked", "", http.MethodPost, "/auth/refresh", `{"refresh_token":"junk"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := call(t, r, m, tt.role, tt.method, tt.path, tt.body); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
