package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func runRequest(mw echo.MiddlewareFunc, header string) (*httptest.ResponseRecorder, string) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotIdentity string
	handler := mw(func(c echo.Context) error {
		gotIdentity = IdentityFrom(c)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, gotIdentity
}

func TestJWTMiddleware_ResolvesLedgerIdentity(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		LedgerIdentity: "doctor-42",
	})

	rec, identity := runRequest(mw, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if identity != "doctor-42" {
		t.Fatalf("expected ledger identity from claim, got %q", identity)
	}
}

func TestJWTMiddleware_FallsBackToSubject(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "nurse-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, identity := runRequest(mw, "Bearer "+token)
	if identity != "nurse-7" {
		t.Fatalf("expected subject fallback, got %q", identity)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage token":  "Bearer not.a.token",
	}
	for name, header := range cases {
		rec, _ := runRequest(mw, header)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestJWTMiddleware_RejectsExpiredToken(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	rec, _ := runRequest(mw, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestJWTMiddleware_RejectsWrongIssuer(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey, Issuer: "medledger"})
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	rec, _ := runRequest(mw, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", rec.Code)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Identity", "lab-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var identity string
	handler := DevAuthMiddleware()(func(c echo.Context) error {
		identity = IdentityFrom(c)
		return nil
	})
	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if identity != "lab-1" {
		t.Fatalf("expected header identity, got %q", identity)
	}

	// No header falls back to admin.
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	c2 := e.NewContext(req2, httptest.NewRecorder())
	handler(c2)
	if IdentityFrom(c2) != "admin" {
		t.Fatal("expected default identity admin")
	}
}

func TestIdentityFrom_Unset(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if IdentityFrom(c) != "" {
		t.Fatal("expected empty identity without middleware")
	}
}
