package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/courseauth/internal/auth"
	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	setResearchConsentFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockUserService) SetResearchConsent(ctx context.Context, userID string) (*model.User, error) {
	if m.setResearchConsentFn != nil {
		return m.setResearchConsentFn(ctx, userID)
	}
	return &model.User{ID: userID, ResearchConsent: true}, nil
}

// --- POST /api/users/me/consent テスト ---

func TestUserHandler_Consent_Success(t *testing.T) {
	called := false
	svc := &mockUserService{
		setResearchConsentFn: func(ctx context.Context, userID string) (*model.User, error) {
			called = true
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return &model.User{ID: userID, ResearchConsent: true}, nil
		},
	}
	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/users/me/consent", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "user-123"))
	w := httptest.NewRecorder()

	h.Consent(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !called {
		t.Error("SetResearchConsent should be called")
	}
	var body meResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.ResearchConsent {
		t.Error("research_consent should be true")
	}
}

func TestUserHandler_Consent_NoUserID_ReturnsUnauthorized(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	w := httptest.NewRecorder()
	h.Consent(w, httptest.NewRequest(http.MethodPost, "/api/users/me/consent", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUserHandler_Consent_UserGone_ReturnsNotFound(t *testing.T) {
	svc := &mockUserService{
		setResearchConsentFn: func(ctx context.Context, userID string) (*model.User, error) {
			return nil, auth.ErrUserNotFound
		},
	}
	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/users/me/consent", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "user-gone"))
	w := httptest.NewRecorder()

	h.Consent(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if code := decodeErrorCode(t, w); code != model.ErrCodeUserNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUserNotFound)
	}
}
