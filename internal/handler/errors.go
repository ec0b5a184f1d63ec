package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/courseauth/internal/auth"
	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	statusCode, apiErr := mapServiceError(err)
	if statusCode >= http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", err.Error()))
	} else {
		slog.Warn("request rejected",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	writeAPIErrorResponse(w, statusCode, apiErr)
}

// mapServiceError はエラー分類からHTTPステータスとAPIErrorを決める。
func mapServiceError(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	}

	switch {
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusServiceUnavailable, model.NewNotConfiguredError("この機能")
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, model.NewBackendUnavailableError()
	case errors.Is(err, model.ErrOAuthExchange), errors.Is(err, model.ErrInvalidTicket):
		return http.StatusUnauthorized, model.NewLoginFailedError()
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusUnauthorized, model.NewUnauthenticatedError()
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, model.NewForbiddenError()
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, model.NewUserNotFoundError()
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, model.NewUserExistsError("")
	case errors.Is(err, auth.ErrInvalidEmail):
		return http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスの形式が正しくありません。")
	}

	return http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated, model.ErrCodeLoginFailed:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotConfigured, model.ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUserExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
