package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/oauth2"

	"github.com/hitoshi/courseauth/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	defaultOAuthTimeout = 10 * time.Second
	// maxUserInfoBytes はユーザー情報レスポンスとして読み込む上限。
	maxUserInfoBytes = 1 << 20
)

// アクセスタイプ
const (
	AccessTypeOffline = "offline"
	AccessTypeOnline  = "online"
)

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダーIDを返す。
	Name() string
	// GetAuthorizationURL は新しいstateを生成し、認可エンドポイントのURLとともに返す。
	GetAuthorizationURL() (authURL, state string, err error)
	// ValidateCallback は認可コードをトークンに交換し、検証済みの本人情報を取得する。
	ValidateCallback(ctx context.Context, code string) (*model.ExternalIdentity, error)
}

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// HostedDomain が設定されている場合、ログイン画面をそのドメインのアカウントに限定する。
	HostedDomain string
	// AccessType は "offline" または "online"。既定は "online"。
	AccessType string
	Scopes     []string
	Timeout    time.Duration
	// HTTPClient はトークン交換とユーザー情報取得に使う。nilの場合はTimeout付きの既定クライアント。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleOAuthProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleOAuthProvider struct {
	config       GoogleOAuthConfig
	oauth2       *oauth2.Config
	hostedDomain string
	httpClient   *http.Client
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
// クライアントIDなどが未設定でも生成でき、その場合は各操作がConfigurationErrorを返す。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = []string{"openid", "email", "profile"}
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultOAuthTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &GoogleOAuthProvider{
		config: config,
		oauth2: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		hostedDomain: normalizeDomain(config.HostedDomain),
		httpClient:   config.HTTPClient,
	}
}

// normalizeDomain はドメインをASCII（Punycode）の小文字に正規化する。
// 正規化できない場合は小文字化のみ行う。
func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// Name はプロバイダーIDを返す。
func (p *GoogleOAuthProvider) Name() string {
	return model.ProviderGoogle
}

func (p *GoogleOAuthProvider) checkConfig() error {
	switch {
	case p.config.ClientID == "":
		return model.NewConfigurationError("GOOGLE_CLIENT_ID")
	case p.config.ClientSecret == "":
		return model.NewConfigurationError("GOOGLE_CLIENT_SECRET")
	case p.config.RedirectURL == "":
		return model.NewConfigurationError("GOOGLE_REDIRECT_URL")
	}
	return nil
}

// GetAuthorizationURL はGoogle OAuthの認証URLと新しいstateを返す。
func (p *GoogleOAuthProvider) GetAuthorizationURL() (string, string, error) {
	if err := p.checkConfig(); err != nil {
		return "", "", err
	}
	state, err := generateState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate oauth state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("prompt", "select_account"),
	}
	if p.config.AccessType == AccessTypeOffline {
		opts = append(opts, oauth2.AccessTypeOffline)
	} else {
		opts = append(opts, oauth2.AccessTypeOnline)
	}
	if p.hostedDomain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", p.hostedDomain))
	}
	return p.oauth2.AuthCodeURL(state, opts...), state, nil
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

// ValidateCallback は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// いずれかの呼び出しが2xx以外を返すかタイムアウトした場合はOAuthExchangeErrorを返す。
func (p *GoogleOAuthProvider) ValidateCallback(ctx context.Context, code string) (*model.ExternalIdentity, error) {
	if err := p.checkConfig(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, &model.OAuthExchangeError{Op: "token", Err: errors.New("authorization code is required")}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	// 1. 認可コードをアクセストークンに交換
	token, err := p.oauth2.Exchange(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), code)
	if err != nil {
		return nil, tokenExchangeError(err)
	}

	// 2. アクセストークンでユーザー情報を取得
	info, err := p.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	if p.hostedDomain != "" && !strings.EqualFold(info.HostedDomain, p.hostedDomain) {
		return nil, &model.OAuthExchangeError{
			Op:  "userinfo",
			Err: fmt.Errorf("account is not in hosted domain %s", p.hostedDomain),
		}
	}

	return &model.ExternalIdentity{
		Provider:      model.ProviderGoogle,
		Subject:       info.Sub,
		Email:         strings.ToLower(info.Email),
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}

// tokenExchangeError はx/oauth2のエラーをOAuthExchangeErrorに変換する。
func tokenExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &model.OAuthExchangeError{
			Op:         "token",
			StatusCode: retrieveErr.Response.StatusCode,
			Body:       string(retrieveErr.Body),
			Err:        err,
		}
	}
	return &model.OAuthExchangeError{Op: "token", Err: err}
}

// fetchUserInfo はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleOAuthProvider) fetchUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, &model.OAuthExchangeError{Op: "userinfo", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &model.OAuthExchangeError{Op: "userinfo", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, &model.OAuthExchangeError{Op: "userinfo", Err: fmt.Errorf("failed to read user info response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.OAuthExchangeError{Op: "userinfo", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &model.OAuthExchangeError{Op: "userinfo", Err: fmt.Errorf("failed to parse user info response: %w", err)}
	}
	if info.Sub == "" {
		return nil, &model.OAuthExchangeError{Op: "userinfo", Err: errors.New("empty sub in user info response")}
	}
	return &info, nil
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
