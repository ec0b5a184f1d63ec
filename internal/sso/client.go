// Package sso は学内シングルサインオン（チケット方式）のクライアントを提供する。
//
// ログインは3段階で行う。
//  1. CreateRequest でSSOサーバーにログイン要求を登録し、相関キーを受け取る。
//  2. RequestAuthRedirectURL のURLへブラウザをリダイレクトする。
//  3. SSOサーバーから key と auth_check 付きで戻ってきたら FetchAttributes で属性を取得する。
//
// 段階間の状態は相関キーのみで、リダイレクトURLの往復で運ばれる。
package sso

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/courseauth/internal/model"
)

// SSOサーバーのサブパス
const (
	pathCreateRequest   = "createrequest"
	pathRequestAuth     = "requestauth"
	pathFetchAttributes = "fetchattributes"
	pathLogout          = "logout"
)

// 属性名
const (
	AttrUniqueID    = "unique_id"
	AttrEmail       = "email"
	AttrDisplayName = "display_name"
)

// DefaultAttributes はログイン時に要求する属性。
var DefaultAttributes = []string{AttrUniqueID, AttrEmail, AttrDisplayName}

const (
	defaultTimeout = 10 * time.Second
	// maxResponseBytes はSSOサーバーの応答として読み込む上限。
	maxResponseBytes = 64 << 10
)

// Config はSSOクライアントの設定。
type Config struct {
	Host        string
	Port        int    // 0の場合はスキームの既定ポート
	Scheme      string // 既定は https
	BasePath    string // 例: /sso
	ServiceName string
	Timeout     time.Duration
}

// Attributes はSSOサーバーが返した認証済み属性。
type Attributes map[string]string

// UniqueID は学内の一意IDを返す。
func (a Attributes) UniqueID() string { return a[AttrUniqueID] }

// Email はメールアドレスを返す。
func (a Attributes) Email() string { return a[AttrEmail] }

// DisplayName は表示名を返す。
func (a Attributes) DisplayName() string { return a[AttrDisplayName] }

// Client はSSOサーバーとの通信を行う。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はタイムアウト付きの既定クライアントを使う。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.Scheme == "" {
		config.Scheme = "https"
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, httpClient: httpClient, logger: logger}
}

// ServiceName は設定されたサービス名を返す。
func (c *Client) ServiceName() string {
	return c.config.ServiceName
}

// endpoint はSSOサーバーのサブパスのURLを組み立てる。
func (c *Client) endpoint(sub string) (*url.URL, error) {
	if c.config.Host == "" {
		return nil, model.NewConfigurationError("SSO_HOST")
	}
	host := c.config.Host
	if c.config.Port != 0 {
		host = net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	}
	return &url.URL{
		Scheme: c.config.Scheme,
		Host:   host,
		Path:   path.Join("/", c.config.BasePath, sub),
	}, nil
}

// CreateRequest はログイン要求を登録し、相関キーを返す。
func (c *Client) CreateRequest(ctx context.Context, serviceName string, attributes []string, redirectURL string) (string, error) {
	if serviceName == "" {
		return "", model.NewConfigurationError("SSO_SERVICE_NAME")
	}
	endpoint, err := c.endpoint(pathCreateRequest)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"service_name": {serviceName},
		"attributes":   {strings.Join(attributes, ",")},
		"redirect_url": {redirectURL},
	}
	values, err := c.post(ctx, endpoint, form)
	if err != nil {
		return "", &model.InvalidTicketError{Reason: "create request failed", Err: err}
	}

	key := values.Get("key")
	if key == "" {
		return "", &model.InvalidTicketError{Reason: "create request returned no key"}
	}
	return key, nil
}

// RequestAuthRedirectURL はブラウザを認証のためにリダイレクトさせるURLを返す。
func (c *Client) RequestAuthRedirectURL(requestKey string) (string, error) {
	endpoint, err := c.endpoint(pathRequestAuth)
	if err != nil {
		return "", err
	}
	endpoint.RawQuery = url.Values{"key": {requestKey}}.Encode()
	return endpoint.String(), nil
}

// FetchAttributes は認証済みの属性を取得する。
// SSOサーバーが報告するauth_checkとauthCheckが一致しない場合、キーが不明・期限切れの場合、
// またはタイムアウトした場合はInvalidTicketErrorを返す。
func (c *Client) FetchAttributes(ctx context.Context, key, authCheck string) (Attributes, error) {
	if key == "" || authCheck == "" {
		return nil, &model.InvalidTicketError{Reason: "missing key or auth_check"}
	}
	endpoint, err := c.endpoint(pathFetchAttributes)
	if err != nil {
		return nil, err
	}

	values, err := c.post(ctx, endpoint, url.Values{"key": {key}})
	if err != nil {
		return nil, &model.InvalidTicketError{Reason: "fetch attributes failed", Err: err}
	}
	if reason := values.Get("error"); reason != "" {
		return nil, &model.InvalidTicketError{Reason: reason}
	}

	reported := values.Get("auth_check")
	if reported == "" || subtle.ConstantTimeCompare([]byte(reported), []byte(authCheck)) != 1 {
		c.logger.Warn("SSO auth_check mismatch")
		return nil, &model.InvalidTicketError{Reason: "auth_check mismatch"}
	}

	attrs := make(Attributes, len(values))
	for name := range values {
		if name == "auth_check" {
			continue
		}
		attrs[name] = values.Get(name)
	}
	if attrs.UniqueID() == "" {
		return nil, &model.InvalidTicketError{Reason: "unique id attribute missing"}
	}
	return attrs, nil
}

// LogoutURL はSSOサーバーからログアウトさせるURLを返す。
func (c *Client) LogoutURL(returnTo string) (string, error) {
	endpoint, err := c.endpoint(pathLogout)
	if err != nil {
		return "", err
	}
	if returnTo != "" {
		endpoint.RawQuery = url.Values{"return_to": {returnTo}}.Encode()
	}
	return endpoint.String(), nil
}

// post はフォームをPOSTし、フォーム形式の応答を返す。
func (c *Client) post(ctx context.Context, endpoint *url.URL, form url.Values) (url.Values, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSO request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("SSOサーバーの呼び出しに失敗しました",
			slog.String("endpoint", endpoint.Path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("SSO request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read SSO response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("SSOサーバーがエラーステータスを返しました",
			slog.String("endpoint", endpoint.Path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("SSO server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSO response: %w", err)
	}
	return values, nil
}

// IsConfigured はSSOサーバーの接続先が設定されているかを返す。
func (c *Client) IsConfigured() bool {
	return c.config.Host != "" && c.config.ServiceName != ""
}
