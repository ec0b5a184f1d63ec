package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/courseauth/internal/model"
)

// --- モック定義 ---

type mockSessionResolver struct {
	getSessionFn func(ctx context.Context, id string) (*model.Session, *model.User, error)
}

func (m *mockSessionResolver) GetSession(ctx context.Context, id string) (*model.Session, *model.User, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, id)
	}
	return nil, nil, nil
}

func validSessionResolver() *mockSessionResolver {
	return &mockSessionResolver{
		getSessionFn: func(ctx context.Context, id string) (*model.Session, *model.User, error) {
			if id == "valid-session-id" {
				return &model.Session{ID: id, UserID: "user-123"},
					&model.User{ID: "user-123", Email: "a@example.com"}, nil
			}
			return nil, nil, nil
		},
	}
}

func serveWithCookie(h http.Handler, method, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/test", nil)
	if value != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: value})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsUser(t *testing.T) {
	mw := NewSessionMiddleware(validSessionResolver())

	var capturedUserID, capturedSessionID string
	var capturedUser *model.User
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID
		capturedUser, _ = UserFromContext(r.Context())
		capturedSessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := serveWithCookie(handler, http.MethodGet, "valid-session-id")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedUser == nil || capturedUser.Email != "a@example.com" {
		t.Errorf("user = %+v", capturedUser)
	}
	if capturedSessionID != "valid-session-id" {
		t.Errorf("sessionID = %q", capturedSessionID)
	}
}

func TestSessionMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		cookie   string
		resolver *mockSessionResolver
		want     int
	}{
		{"no cookie", "", &mockSessionResolver{}, http.StatusUnauthorized},
		{"unknown session", "expired-session", validSessionResolver(), http.StatusUnauthorized},
		{
			"resolver error",
			"some-session",
			&mockSessionResolver{getSessionFn: func(context.Context, string) (*model.Session, *model.User, error) {
				return nil, nil, context.DeadlineExceeded
			}},
			http.StatusUnauthorized,
		},
		{
			"backend unavailable",
			"some-session",
			&mockSessionResolver{getSessionFn: func(context.Context, string) (*model.Session, *model.User, error) {
				return nil, nil, &model.BackendUnavailableError{Op: "get"}
			}},
			http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			w := serveWithCookie(handler, http.MethodGet, tt.cookie)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestRequireAdminMiddleware(t *testing.T) {
	handler := NewRequireAdminMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"no user", context.Background(), http.StatusUnauthorized},
		{"non admin", ContextWithUser(context.Background(), &model.User{ID: "u1"}), http.StatusForbidden},
		{"admin", ContextWithUser(context.Background(), &model.User{ID: "u2", IsAdmin: true}), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/roster", nil).WithContext(tt.ctx)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	_, err := UserIDFromContext(context.Background())
	if err == nil {
		t.Error("expected error for missing user ID in context")
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("UserFromContext should report false without a user")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
}
