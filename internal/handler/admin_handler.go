package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/courseauth/internal/auth"
	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/model"
)

// AdminServiceInterface は管理者向けハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	Preregister(ctx context.Context, email, name string) (*model.User, error)
	SetFlags(ctx context.Context, userID string, flags auth.Flags) (*model.User, error)
	Roster(ctx context.Context) ([]auth.RosterEntry, error)
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// preregisterRequest は事前登録リクエストのボディ。
type preregisterRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// adminUserResponse は管理者向けのユーザー情報。
type adminUserResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	Group       *int   `json:"group"`
	EarlyAccess bool   `json:"early_access"`
	ExtraTime   bool   `json:"extra_time"`
}

func toAdminUserResponse(user *model.User) adminUserResponse {
	return adminUserResponse{
		ID:          user.ID,
		Email:       user.Email,
		Name:        user.Name,
		Group:       user.Group,
		EarlyAccess: user.EarlyAccess,
		ExtraTime:   user.ExtraTime,
	}
}

// Preregister はメールアドレスでユーザーを事前登録する。
// POST /api/admin/users
func (h *AdminHandler) Preregister(w http.ResponseWriter, r *http.Request) {
	var req preregisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}

	user, err := h.service.Preregister(r.Context(), req.Email, req.Name)
	if errors.Is(err, auth.ErrUserExists) {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewUserExistsError(req.Email))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	adminID, _ := middleware.UserIDFromContext(r.Context())
	slog.Info("admin preregistered user",
		slog.String("admin_id", adminID),
		slog.String("user_id", user.ID),
	)
	writeJSON(w, http.StatusCreated, toAdminUserResponse(user))
}

// SetFlags はユーザーのフラグ（先行公開・時間延長）を更新する。
// PUT /api/admin/users/{id}/flags
func (h *AdminHandler) SetFlags(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ユーザーIDがありません。"))
		return
	}

	var flags auth.Flags
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&flags); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}
	if flags.EarlyAccess == nil && flags.ExtraTime == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("変更するフラグが指定されていません。"))
		return
	}

	user, err := h.service.SetFlags(r.Context(), userID, flags)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAdminUserResponse(user))
}

// rosterResponse は仮名化名簿のAPIレスポンス。
type rosterResponse struct {
	Users []auth.RosterEntry `json:"users"`
}

// Roster は研究利用に同意したユーザーの仮名化名簿を返す。
// トラストトークン（aud=admin）で保護する。
// GET /api/admin/roster
func (h *AdminHandler) Roster(w http.ResponseWriter, r *http.Request) {
	roster, err := h.service.Roster(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("roster exported",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int("count", len(roster)),
	)
	writeJSON(w, http.StatusOK, rosterResponse{Users: roster})
}
