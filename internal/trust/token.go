// Package trust は内部サービス間で本人性を受け渡す短命なトラストトークンを発行・検証する。
//
// トークンはRS256署名のJWTで、iss（デプロイ先の正規URL）、sub、aud、iat、exp を持つ。
// 永続化はせず、利用時に署名とクレームだけで検証する。
package trust

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/courseauth/internal/model"
)

// DefaultTTL はトラストトークンの有効期間。
const DefaultTTL = time.Hour

// 受け入れ側サービスを表すaudience値
const (
	AudienceAdmin = "admin"
)

// Config はトラストトークンの設定。
type Config struct {
	// Issuer はデプロイ先の正規URL。iss クレームに固定で入る。
	Issuer string
	// PrivateKey / PublicKey はPEM文字列またはPEMファイルのパス。
	PrivateKey string
	PublicKey  string
	TTL        time.Duration

	// テスト用に差し替え可能な現在時刻
	Now func() time.Time
}

// Service はトラストトークンの発行と検証を行う。
type Service struct {
	issuer     string
	ttl        time.Duration
	now        func() time.Time
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewService はServiceを生成する。
// 鍵が未設定でも生成は成功し、発行・検証の時点でConfigurationErrorを返す。
// 鍵の形式が不正な場合はエラーを返す。
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	if cfg.PrivateKey != "" {
		pemBytes, err := loadPEM(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust private key: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trust private key: %w", err)
		}
		s.privateKey = key
	}

	if cfg.PublicKey != "" {
		pemBytes, err := loadPEM(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trust public key: %w", err)
		}
		s.publicKey = key
	} else if s.privateKey != nil {
		s.publicKey = &s.privateKey.PublicKey
	}

	return s, nil
}

// TTL は発行するトークンの有効期間を返す。
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue はsubjectとaudienceを持つトークンに署名して返す。
func (s *Service) Issue(subject, audience string) (string, error) {
	if s.privateKey == nil {
		return "", model.NewConfigurationError("TRUST_PRIVATE_KEY")
	}
	if s.issuer == "" {
		return "", model.NewConfigurationError("BASE_URL")
	}
	if subject == "" || audience == "" {
		return "", fmt.Errorf("subject and audience are required")
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign trust token: %w", err)
	}
	return signed, nil
}

// Verify は署名、iss、aud、exp を検証し、subjectを返す。
// 検証に失敗した場合はInvalidTokenErrorを返す。
func (s *Service) Verify(token, audience string) (string, error) {
	if s.publicKey == nil {
		return "", model.NewConfigurationError("TRUST_PUBLIC_KEY")
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return s.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", &model.InvalidTokenError{Err: err}
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", &model.InvalidTokenError{Err: errors.New("unexpected claims")}
	}
	if claims.Subject == "" {
		return "", &model.InvalidTokenError{Err: errors.New("missing subject")}
	}
	return claims.Subject, nil
}

// loadPEM は値がPEM文字列ならそのまま、そうでなければファイルパスとして読み込む。
func loadPEM(value string) ([]byte, error) {
	if strings.Contains(value, "-----BEGIN") {
		return []byte(value), nil
	}
	return os.ReadFile(value)
}
