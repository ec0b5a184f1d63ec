package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// SetResearchConsent は研究利用への同意を記録する。取り消しはできない。
	SetResearchConsent(ctx context.Context, userID string) (*model.User, error)
}

// UserHandler はログインユーザー自身の設定を扱うHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Consent は研究利用への同意を記録する。
// POST /api/users/me/consent
func (h *UserHandler) Consent(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	user, err := h.service.SetResearchConsent(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMeResponse(user))
}
