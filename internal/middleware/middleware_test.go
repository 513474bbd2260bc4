package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/propsavant/demalytics/internal/middleware"
)

// call wraps a simple 200-OK inner handler in the provided middleware and
// returns the recorded response.
func call(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

// TestAdminKey_MissingHeader verifies that a request without a bearer key
// receives a 401 response.
func TestAdminKey_MissingHeader(t *testing.T) {
	mw := middleware.AdminKeyMiddleware(hashKey(t, "s3cret"))

	rec := call(t, mw, httptest.NewRequest(http.MethodPost, "/test", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// TestAdminKey_WrongKey verifies that a key not matching the hash is rejected
// with 403.
func TestAdminKey_WrongKey(t *testing.T) {
	mw := middleware.AdminKeyMiddleware(hashKey(t, "s3cret"))
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Authorization", "Bearer nope")

	rec := call(t, mw, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid admin key") {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

// TestAdminKey_ValidKey verifies the happy path reaches the inner handler.
func TestAdminKey_ValidKey(t *testing.T) {
	mw := middleware.AdminKeyMiddleware(hashKey(t, "s3cret"))
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Authorization", "Bearer s3cret")

	rec := call(t, mw, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// TestAdminKey_NotConfigured verifies that an empty hash locks mutating
// routes.
func TestAdminKey_NotConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Authorization", "Bearer anything")

	rec := call(t, middleware.AdminKeyMiddleware(""), req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	mw := middleware.CORSMiddleware([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://app.example.com")

	rec := call(t, mw, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}
}

func TestCORS_UnknownOrigin(t *testing.T) {
	mw := middleware.CORSMiddleware([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	rec := call(t, mw, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS header, got %q", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
}
