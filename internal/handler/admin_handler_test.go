package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/courseauth/internal/auth"
	"github.com/hitoshi/courseauth/internal/model"
)

type mockAdminService struct {
	preregisterFn func(ctx context.Context, email, name string) (*model.User, error)
	setFlagsFn    func(ctx context.Context, userID string, flags auth.Flags) (*model.User, error)
	rosterFn      func(ctx context.Context) ([]auth.RosterEntry, error)
}

func (m *mockAdminService) Preregister(ctx context.Context, email, name string) (*model.User, error) {
	if m.preregisterFn != nil {
		return m.preregisterFn(ctx, email, name)
	}
	return &model.User{ID: "new-user", Email: email, Name: name}, nil
}

func (m *mockAdminService) SetFlags(ctx context.Context, userID string, flags auth.Flags) (*model.User, error) {
	if m.setFlagsFn != nil {
		return m.setFlagsFn(ctx, userID, flags)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockAdminService) Roster(ctx context.Context) ([]auth.RosterEntry, error) {
	if m.rosterFn != nil {
		return m.rosterFn(ctx)
	}
	return nil, nil
}

func TestAdminHandler_Preregister(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		preregisterFn func(ctx context.Context, email, name string) (*model.User, error)
		wantStatus    int
		wantCode      string
	}{
		{
			name:       "created",
			body:       `{"email":"student@example.ac.jp","name":"学生"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name: "already exists",
			body: `{"email":"student@example.ac.jp"}`,
			preregisterFn: func(ctx context.Context, email, name string) (*model.User, error) {
				return nil, auth.ErrUserExists
			},
			wantStatus: http.StatusConflict,
			wantCode:   model.ErrCodeUserExists,
		},
		{
			name: "invalid email",
			body: `{"email":"not-an-email"}`,
			preregisterFn: func(ctx context.Context, email, name string) (*model.User, error) {
				return nil, auth.ErrInvalidEmail
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
		{
			name:       "malformed body",
			body:       `email=x`,
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminHandler(&mockAdminService{preregisterFn: tt.preregisterFn})

			w := httptest.NewRecorder()
			h.Preregister(w, httptest.NewRequest(http.MethodPost, "/api/admin/users", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeErrorCode(t, w); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var body adminUserResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Email != "student@example.ac.jp" || body.Name != "学生" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestAdminHandler_SetFlags(t *testing.T) {
	var gotUserID string
	var gotFlags auth.Flags
	svc := &mockAdminService{
		setFlagsFn: func(ctx context.Context, userID string, flags auth.Flags) (*model.User, error) {
			gotUserID = userID
			gotFlags = flags
			if userID == "missing" {
				return nil, auth.ErrUserNotFound
			}
			return &model.User{ID: userID, ExtraTime: flags.ExtraTime != nil && *flags.ExtraTime}, nil
		},
	}
	r := chi.NewRouter()
	r.Put("/api/admin/users/{id}/flags", NewAdminHandler(svc).SetFlags)

	t.Run("updates only given flags", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/admin/users/user-9/flags", strings.NewReader(`{"extra_time":true}`)))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if gotUserID != "user-9" {
			t.Errorf("userID = %q, want %q", gotUserID, "user-9")
		}
		if gotFlags.EarlyAccess != nil {
			t.Error("early_access should be left unchanged")
		}
		if gotFlags.ExtraTime == nil || !*gotFlags.ExtraTime {
			t.Error("extra_time should be true")
		}
	})

	t.Run("empty patch", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/admin/users/user-9/flags", strings.NewReader(`{}`)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/admin/users/missing/flags", strings.NewReader(`{"early_access":true}`)))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestAdminHandler_Roster(t *testing.T) {
	group := 1
	svc := &mockAdminService{
		rosterFn: func(ctx context.Context) ([]auth.RosterEntry, error) {
			return []auth.RosterEntry{{Identifier: "abc123", Group: &group, ExtraTime: true}}, nil
		},
	}
	h := NewAdminHandler(svc)

	w := httptest.NewRecorder()
	h.Roster(w, httptest.NewRequest(http.MethodGet, "/api/admin/roster", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "@") {
		t.Error("roster must not contain raw email addresses")
	}
	var body rosterResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Users) != 1 || body.Users[0].Identifier != "abc123" {
		t.Errorf("users = %+v", body.Users)
	}
}

func TestAdminHandler_Roster_BackendUnavailable(t *testing.T) {
	svc := &mockAdminService{
		rosterFn: func(ctx context.Context) ([]auth.RosterEntry, error) {
			return nil, &model.BackendUnavailableError{Op: "list_consenting"}
		},
	}

	w := httptest.NewRecorder()
	NewAdminHandler(svc).Roster(w, httptest.NewRequest(http.MethodGet, "/api/admin/roster", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
