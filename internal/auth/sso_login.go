package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/courseauth/internal/metrics"
	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/sso"
)

// SSOClient は学内SSOサーバーとの通信のインターフェース。sso.Client が実装する。
type SSOClient interface {
	ServiceName() string
	CreateRequest(ctx context.Context, serviceName string, attributes []string, redirectURL string) (string, error)
	RequestAuthRedirectURL(requestKey string) (string, error)
	FetchAttributes(ctx context.Context, key, authCheck string) (sso.Attributes, error)
	LogoutURL(returnTo string) (string, error)
}

// SSOLogin は学内SSOによるログインを扱う。
// 学内IDは仮名化してから保存し、生の値は永続化しない。
type SSOLogin struct {
	client      SSOClient
	service     *Service
	hasher      Hasher
	callbackURL string
}

// NewSSOLogin はSSOLoginを生成する。callbackURLはSSOサーバーから戻ってくる先のURL。
func NewSSOLogin(client SSOClient, service *Service, hasher Hasher, callbackURL string) *SSOLogin {
	return &SSOLogin{
		client:      client,
		service:     service,
		hasher:      hasher,
		callbackURL: callbackURL,
	}
}

// Start はログイン要求を登録し、ブラウザのリダイレクト先を返す。
// nextはログイン後に戻る先で、コールバックURLのクエリとして往復させる。
func (l *SSOLogin) Start(ctx context.Context, next string) (string, error) {
	callback, err := url.Parse(l.callbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid SSO callback URL: %w", err)
	}
	if next != "" {
		q := callback.Query()
		q.Set("next", next)
		callback.RawQuery = q.Encode()
	}

	key, err := l.client.CreateRequest(ctx, l.client.ServiceName(), sso.DefaultAttributes, callback.String())
	if err != nil {
		return "", err
	}
	return l.client.RequestAuthRedirectURL(key)
}

// Complete はSSOサーバーから戻ってきた相関キーとauth_checkを検証し、セッションを発行する。
// 検証に失敗した場合はユーザーもセッションも作成しない。
func (l *SSOLogin) Complete(ctx context.Context, key, authCheck string) (*model.Session, *model.User, error) {
	attrs, err := l.client.FetchAttributes(ctx, key, authCheck)
	if err != nil {
		l.service.metrics.RecordLogin(model.ProviderInstitutional, metrics.OutcomeFailure)
		return nil, nil, err
	}

	institutionalID, err := l.hasher.IdentifierFor(attrs.UniqueID())
	if err != nil {
		l.service.metrics.RecordLogin(model.ProviderInstitutional, metrics.OutcomeFailure)
		return nil, nil, err
	}

	email := attrs.Email()
	identity := &model.ExternalIdentity{
		Provider:        model.ProviderInstitutional,
		Subject:         institutionalID,
		Email:           email,
		EmailVerified:   email != "",
		Name:            attrs.DisplayName(),
		InstitutionalID: institutionalID,
	}

	session, user, err := l.service.Login(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("institutional SSO login completed", slog.String("user_id", user.ID))
	return session, user, nil
}

// LogoutURL はSSOサーバー側のログアウトURLを返す。
func (l *SSOLogin) LogoutURL(returnTo string) (string, error) {
	return l.client.LogoutURL(returnTo)
}

// compile-time interface check
var _ SSOClient = (*sso.Client)(nil)
