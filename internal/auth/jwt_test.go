package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, method jwt.SigningMethod, key any, account string) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, Claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func expired(t *testing.T, secret, account string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestMiddleware(t *testing.T) {
	const secret = "test-secret"
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantAcct   string
	}{
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), "acct:a"), wantStatus: http.StatusUnauthorized},
		{name: "empty uid", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), ""), wantStatus: http.StatusUnauthorized},
		{name: "unsigned", header: "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "acct:a"), wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired(t, secret, "acct:a"), wantStatus: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), "acct:a"), wantStatus: http.StatusOK, wantAcct: "acct:a"},
		{name: "valid hs512", header: "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(secret), "acct:b"), wantStatus: http.StatusOK, wantAcct: "acct:b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAcct string
			h := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAcct, _ = AccountFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotAcct != tt.wantAcct {
				t.Fatalf("account = %q, want %q", gotAcct, tt.wantAcct)
			}
		})
	}
}

func TestOperatorMiddleware(t *testing.T) {
	h := OperatorMiddleware("op-key")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for key, want := range map[string]int{"": http.StatusUnauthorized, "nope": http.StatusUnauthorized, "op-key": http.StatusNoContent} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if key != "" {
			req.Header.Set("X-Operator-Auth", key)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("key %q: status = %d, want %d", key, rr.Code, want)
		}
	}
}
