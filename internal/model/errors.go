// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeUserExists         = "USER_EXISTS"
)

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewLoginFailedError はログイン失敗エラーを生成する。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "ログインに失敗しました。",
		Category: "auth",
		Action:   "もう一度最初からログインしてください。",
	}
}

// NewNotConfiguredError は設定不足で機能が利用できない場合のエラーを生成する。
func NewNotConfiguredError(feature string) *APIError {
	return &APIError{
		Code:     ErrCodeNotConfigured,
		Message:  fmt.Sprintf("%s は現在利用できません。", feature),
		Category: "system",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewBackendUnavailableError はストアに到達できない場合のエラーを生成する。
func NewBackendUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  "サーバーが一時的に利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError は不正なリクエストのエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("不正なリクエストです: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUserExistsError は事前登録しようとしたユーザーが既に存在する場合のエラーを生成する。
func NewUserExistsError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeUserExists,
		Message:  fmt.Sprintf("既に登録済みのユーザーです: %s", email),
		Category: "validation",
		Action:   "ユーザー一覧を確認してください。",
	}
}

// --- 認証コアのエラー分類 ---

// センチネルエラー。errors.Is で分類を判定する。
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrOAuthExchange      = errors.New("oauth exchange error")
	ErrInvalidTicket      = errors.New("invalid ticket")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrInvalidUser        = errors.New("invalid user")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrInvalidToken       = errors.New("invalid token")
)

// ConfigurationError は必要な設定値が欠けていることを表す。
// 呼び出した操作だけが失敗し、プロセスは継続する。
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Setting)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NewConfigurationError はConfigurationErrorを生成する。
func NewConfigurationError(setting string) error {
	return &ConfigurationError{Setting: setting}
}

// OAuthExchangeError はOAuthプロバイダーとの通信失敗を表す。
// StatusCode が0の場合はHTTP応答を受け取る前に失敗した。
type OAuthExchangeError struct {
	Op         string // "token" または "userinfo"
	StatusCode int
	Body       string
	Err        error
}

func (e *OAuthExchangeError) Error() string {
	msg := fmt.Sprintf("oauth %s request failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d: %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OAuthExchangeError) Is(target error) bool { return target == ErrOAuthExchange }

func (e *OAuthExchangeError) Unwrap() error { return e.Err }

// InvalidTicketError はSSOサーバーがチケットを受理しなかったことを表す。
type InvalidTicketError struct {
	Reason string
	Err    error
}

func (e *InvalidTicketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid ticket: %s: %v", e.Reason, e.Err)
	}
	return "invalid ticket: " + e.Reason
}

func (e *InvalidTicketError) Is(target error) bool { return target == ErrInvalidTicket }

func (e *InvalidTicketError) Unwrap() error { return e.Err }

// DuplicateKeyError は同一の(provider, externalId)のキーが既に存在することを表す。
type DuplicateKeyError struct {
	KeyID string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key: %s", e.KeyID)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// InvalidUserError は参照先のユーザーが存在しないことを表す。
type InvalidUserError struct {
	UserID string
}

func (e *InvalidUserError) Error() string {
	return fmt.Sprintf("invalid user: %s does not exist", e.UserID)
}

func (e *InvalidUserError) Unwrap() error { return ErrInvalidUser }

// BackendUnavailableError はトランザクション境界へ到達できなかったことを表す。
// このエラーは呼び出し側で有限回リトライしてよい。
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend unavailable during %s", e.Op)
}

func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// InvalidTokenError はトラストトークンの署名またはクレームが不正であることを表す。
type InvalidTokenError struct {
	Err error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token: %v", e.Err)
}

func (e *InvalidTokenError) Is(target error) bool { return target == ErrInvalidToken }

func (e *InvalidTokenError) Unwrap() error { return e.Err }
