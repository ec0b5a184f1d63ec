package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/courseauth/internal/middleware"
	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/security"
)

// SSOLoginInterface は学内SSOハンドラーが必要とするインターフェース。
type SSOLoginInterface interface {
	Start(ctx context.Context, next string) (string, error)
	Complete(ctx context.Context, key, authCheck string) (*model.Session, *model.User, error)
	LogoutURL(returnTo string) (string, error)
}

// SessionTerminator はセッションを破棄する。
type SessionTerminator interface {
	Logout(ctx context.Context, sessionID string) error
}

// SSOHandler は学内SSOのHTTPハンドラー。
type SSOHandler struct {
	login    SSOLoginInterface
	sessions SessionTerminator
	config   AuthHandlerConfig
}

// NewSSOHandler はSSOHandlerを生成する。
func NewSSOHandler(login SSOLoginInterface, sessions SessionTerminator, config AuthHandlerConfig) *SSOHandler {
	return &SSOHandler{
		login:    login,
		sessions: sessions,
		config:   config,
	}
}

// Login はSSOサーバーへログイン要求を登録し、ブラウザをリダイレクトする。
// GET /auth/sso/login?next=/path
func (h *SSOHandler) Login(w http.ResponseWriter, r *http.Request) {
	next := security.SafeRedirectTarget(h.config.BaseURL, r.URL.Query().Get("next"))

	redirectURL, err := h.login.Start(r.Context(), next)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Callback はSSOサーバーからの戻りを処理する。
// GET /auth/sso/callback?key=xxx&auth_check=yyy&next=/path
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	authCheck := q.Get("auth_check")
	if key == "" || authCheck == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("keyまたはauth_checkがありません。"))
		return
	}

	session, _, err := h.login.Complete(r.Context(), key, authCheck)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	setSessionCookie(w, h.config, session.ID)

	// nextはリダイレクトURLを往復するため改ざんされうる
	next := security.SafeRedirectTarget(h.config.BaseURL, q.Get("next"))
	http.Redirect(w, r, next, http.StatusFound)
}

// Logout はローカルのセッションを破棄し、SSOサーバーのログアウトへリダイレクトする。
// GET /auth/sso/logout
func (h *SSOHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Logout(r.Context(), cookie.Value); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}
	clearSessionCookie(w, h.config)

	logoutURL, err := h.login.LogoutURL(h.config.BaseURL)
	if err != nil {
		// SSOが未設定でもローカルのログアウトは完了している
		slog.Warn("SSO logout URL unavailable", slog.String("error", err.Error()))
		http.Redirect(w, r, h.config.BaseURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}
