package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/courseauth/internal/model"
)

type mockTokenVerifier struct {
	verifyFn func(token, audience string) (string, error)
}

func (m *mockTokenVerifier) VerifyTrustToken(token, audience string) (string, error) {
	return m.verifyFn(token, audience)
}

func TestRequireTrustTokenMiddleware(t *testing.T) {
	verifier := &mockTokenVerifier{
		verifyFn: func(token, audience string) (string, error) {
			if token == "good-token" && audience == "admin" {
				return "pseudonym-1", nil
			}
			return "", &model.InvalidTokenError{Err: errors.New("signature is invalid")}
		},
	}

	var captured string
	handler := NewRequireTrustTokenMiddleware(verifier, "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer good-token", http.StatusOK},
		{"lowercase scheme", "bearer good-token", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good-token", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer forged", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captured = ""
			req := httptest.NewRequest(http.MethodGet, "/api/admin/roster", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && captured != "pseudonym-1" {
				t.Errorf("subject = %q, want %q", captured, "pseudonym-1")
			}
		})
	}
}
