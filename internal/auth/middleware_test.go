package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenAck(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/alert-1/ack", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_InstallerCanRunChecksNotDeactivate(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "installer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(okHandler())

	cases := map[string]int{
		"/api/v1/devices/dev-1/installation-checks": http.StatusOK,
		"/api/v1/devices/dev-1/deactivate":          http.StatusForbidden,
	}
	for path, want := range cases {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.Code)
		}
	}
}

func TestAuthMiddleware_OperatorTokenRejectedOnDeviceRoute(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "admin")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil), NewIngestAuthMiddleware([]byte("ingest"), time.Minute))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_SignedDeviceRequest(t *testing.T) {
	ingestSecret := []byte("ingest")
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy(nil, nil), NewIngestAuthMiddleware(ingestSecret, time.Minute))
	var role Role
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"device_id":"dev-1","samples":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	SignRequest(req.Header, ingestSecret, []byte(body), time.Now())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if role != RoleDevice {
		t.Fatalf("expected device role, got %q", role)
	}
}

func TestAuthMiddleware_TamperedDeviceBody(t *testing.T) {
	ingestSecret := []byte("ingest")
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy(nil, nil), NewIngestAuthMiddleware(ingestSecret, time.Minute))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev-1/sync-failures", strings.NewReader(`{"attempts":11}`))
	SignRequest(req.Header, ingestSecret, []byte(`{"attempts":10}`), time.Now())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ConfigAcceptsViewerOrDevice(t *testing.T) {
	secret := []byte("test-secret")
	ingestSecret := []byte("ingest")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil), NewIngestAuthMiddleware(ingestSecret, time.Minute))
	handler := mw.Wrap(okHandler())

	viewer := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/config", nil)
	viewer.Header.Set("Authorization", "Bearer "+mustToken(t, secret, "viewer"))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, viewer)
	if resp.Code != http.StatusOK {
		t.Fatalf("viewer: expected 200, got %d", resp.Code)
	}

	device := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/config", nil)
	SignRequest(device.Header, ingestSecret, nil, time.Now())
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, device)
	if resp.Code != http.StatusOK {
		t.Fatalf("device: expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil), nil)
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRoleAtLeast(t *testing.T) {
	if RoleAtLeast(RoleDevice, RoleViewer) {
		t.Fatal("device role must not satisfy viewer")
	}
	if !RoleAtLeast(RoleOperator, RoleInstaller) {
		t.Fatal("operator should satisfy installer")
	}
	if RoleAtLeast(RoleInstaller, RoleOperator) {
		t.Fatal("installer should not satisfy operator")
	}
}

func mustToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
