package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/courseauth/internal/model"
)

var subjectContextKey = contextKey("trust_subject")

// TokenVerifier はトラストトークンを検証し、主体を返す。
type TokenVerifier interface {
	VerifyTrustToken(token, audience string) (string, error)
}

// NewRequireTrustTokenMiddleware はAuthorization: Bearer のトラストトークンを検証するミドルウェアを返す。
// 検証済みの主体（仮名化ID）をコンテキストに注入する。
func NewRequireTrustTokenMiddleware(verifier TokenVerifier, audience string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			subject, err := verifier.VerifyTrustToken(token, audience)
			if err != nil {
				slog.Warn("trust token rejected",
					slog.String("audience", audience),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext は検証済みトラストトークンの主体を返す。
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectContextKey).(string)
	return sub
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
