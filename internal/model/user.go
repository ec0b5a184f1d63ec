// Package model はドメインモデルを定義する。
package model

import "time"

// プロバイダーID
const (
	ProviderGoogle        = "google"
	ProviderInstitutional = "institutional-sso"
	keyIDSeparator        = ":"
)

// User は講義演習アプリケーションの利用者を表す。
// Email と InstitutionalID の少なくとも一方は空でない。
type User struct {
	ID              string
	Email           string // 空文字列は未設定
	InstitutionalID string // 学内IDの仮名化ハッシュ。空文字列は未設定
	Name            string // 空文字列は未設定
	IsAdmin         bool
	Group           *int // コホート番号。未割り当てはnil
	EarlyAccess     bool
	ExtraTime       bool
	// ResearchConsent は「設定済みかどうか」のみを表す。false は未設定。
	ResearchConsent bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasIdentity はEmailまたはInstitutionalIDのいずれかが設定されているかを返す。
func (u *User) HasIdentity() bool {
	return u.Email != "" || u.InstitutionalID != ""
}

// UserPatch はUserの部分更新を表す。nilのフィールドは変更しない。
type UserPatch struct {
	Email           *string
	InstitutionalID *string
	Name            *string
	IsAdmin         *bool
	Group           *int
	EarlyAccess     *bool
	ExtraTime       *bool
	ResearchConsent *bool
}

// IsEmpty は変更対象のフィールドがひとつもないかを返す。
func (p UserPatch) IsEmpty() bool {
	return p.Email == nil && p.InstitutionalID == nil && p.Name == nil &&
		p.IsAdmin == nil && p.Group == nil && p.EarlyAccess == nil &&
		p.ExtraTime == nil && p.ResearchConsent == nil
}

// ProviderKey は外部IdPのアカウントと内部ユーザーの紐付けを表す。
// (Provider, ProviderUserID) は一意。
type ProviderKey struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	// Credential は常にnil。パスワード認証は提供しない。
	Credential *string
	CreatedAt  time.Time
}

// KeyID はプロバイダーIDとプロバイダー内の主体IDからキーIDを組み立てる。
func KeyID(provider, providerUserID string) string {
	return provider + keyIDSeparator + providerUserID
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	// ExpiresAt がゼロ値の場合は無期限。
	ExpiresAt time.Time
}

// Expired はnow時点でセッションが期限切れかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ExternalIdentity は外部IdPで検証済みの本人情報を表す。
type ExternalIdentity struct {
	Provider        string
	Subject         string
	Email           string
	EmailVerified   bool
	Name            string
	// InstitutionalID は学内SSO経由の場合のみ設定される仮名化済みID。
	InstitutionalID string
}
