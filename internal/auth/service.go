// Package auth はOAuth・学内SSOのログインフロー、セッション管理、トラストトークン発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/courseauth/internal/adapter"
	"github.com/hitoshi/courseauth/internal/metrics"
	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/security"
	"github.com/hitoshi/courseauth/internal/store"
	"github.com/hitoshi/courseauth/internal/trust"
)

// サービス層のエラー
var (
	ErrForbidden       = errors.New("forbidden")
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionRequired = errors.New("session ID is required")
)

// maxResolveAttempts は同時初回ログインの競合時にアカウント解決をやり直す上限。
const maxResolveAttempts = 3

// AccountStore はログインフローが使うアカウント永続化のインターフェース。
// adapter.Adapter が実装する。
type AccountStore interface {
	GetSessionAndUser(ctx context.Context, sessionID string) (*model.Session, *model.User, error)
	SetSession(ctx context.Context, session *model.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAllSessionsForUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*model.User, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserByInstitutionalID(ctx context.Context, institutionalID string) (*model.User, error)
	ListResearchConsentingUsers(ctx context.Context) ([]*model.User, error)
	SetUser(ctx context.Context, user *model.User, key *model.ProviderKey) error
	UpdateUser(ctx context.Context, userID string, patch model.UserPatch) (*model.User, error)
	SetKey(ctx context.Context, key *model.ProviderKey) error
	GetKey(ctx context.Context, keyID string) (*model.ProviderKey, error)
	GetKeysForUser(ctx context.Context, userID string) ([]*model.ProviderKey, error)
}

// CohortAssigner はユーザーにコホートを割り当てる。
type CohortAssigner interface {
	Assign(ctx context.Context, userID string) (int, error)
}

// TokenService はトラストトークンの発行と検証を行う。
type TokenService interface {
	Issue(subject, audience string) (string, error)
	Verify(token, audience string) (string, error)
}

// Hasher は生の識別子から仮名化IDを導出する。
type Hasher interface {
	IdentifierFor(raw string) (string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// SessionExpires がfalseの場合、セッションは無期限になる。
	SessionExpires bool
	SessionMaxAge  time.Duration
	// RetryMaxTries はストア到達不能時の試行回数の上限（初回を含む）。
	RetryMaxTries        uint
	RetryInitialInterval time.Duration
}

// ServiceDeps は認証サービスの依存コンポーネント。
type ServiceDeps struct {
	OAuth    OAuthProvider
	Accounts AccountStore
	// Tx は事前登録を1トランザクションで行うために使う。
	Tx        store.TxRunner
	Cohort    CohortAssigner
	Tokens    TokenService
	Hasher    Hasher
	Sanitizer security.NameSanitizer
	Metrics   metrics.MetricsCollector
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	accounts  AccountStore
	tx        store.TxRunner
	cohort    CohortAssigner
	tokens    TokenService
	hasher    Hasher
	sanitizer security.NameSanitizer
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	if config.RetryMaxTries == 0 {
		config.RetryMaxTries = 3
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = 100 * time.Millisecond
	}
	if config.SessionExpires && config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 7 * 24 * time.Hour
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewNameSanitizer()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	return &Service{
		oauth:     deps.OAuth,
		accounts:  deps.Accounts,
		tx:        deps.Tx,
		cohort:    deps.Cohort,
		tokens:    deps.Tokens,
		hasher:    deps.Hasher,
		sanitizer: deps.Sanitizer,
		metrics:   deps.Metrics,
		config:    config,
		now:       time.Now,
	}
}

// GetLoginURL はOAuth認証URLと、コールバックで照合するstateを返す。
func (s *Service) GetLoginURL() (string, string, error) {
	return s.oauth.GetAuthorizationURL()
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	identity, err := s.oauth.ValidateCallback(ctx, code)
	if err != nil {
		s.metrics.RecordLogin(s.oauth.Name(), metrics.OutcomeFailure)
		return nil, fmt.Errorf("failed to validate oauth callback: %w", err)
	}

	// 2. アカウントを解決してセッションを発行
	session, _, err := s.Login(ctx, identity)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Login は検証済みの外部IDからユーザーを解決し、セッションを発行する。
// 既存のキーがあればそのユーザー、なければ事前登録ユーザーへの紐付け、
// それもなければユーザーとキーを新規作成する。
func (s *Service) Login(ctx context.Context, identity *model.ExternalIdentity) (*model.Session, *model.User, error) {
	if identity == nil || identity.Provider == "" || identity.Subject == "" {
		return nil, nil, errors.New("external identity is incomplete")
	}

	user, outcome, err := s.resolveUser(ctx, identity)
	if err != nil {
		s.metrics.RecordLogin(identity.Provider, metrics.OutcomeFailure)
		return nil, nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	// 割り当てに失敗していた場合は次回ログイン時に割り当てる
	if user.Group == nil && s.cohort != nil {
		group, err := retry(ctx, s, "assign_cohort", func() (int, error) {
			return s.cohort.Assign(ctx, user.ID)
		})
		if err != nil {
			slog.Warn("failed to assign cohort",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		} else {
			user.Group = &group
		}
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		s.metrics.RecordLogin(identity.Provider, metrics.OutcomeFailure)
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.metrics.RecordLogin(identity.Provider, outcome)
	return session, user, nil
}

// resolveUser はキーIDからユーザーを特定する。
// 同時初回ログインでキーの登録が競合した場合は、勝った側のキーで解決し直す。
func (s *Service) resolveUser(ctx context.Context, identity *model.ExternalIdentity) (*model.User, string, error) {
	keyID := model.KeyID(identity.Provider, identity.Subject)

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		// 1. 既存キー
		key, err := retry(ctx, s, "get_key", func() (*model.ProviderKey, error) {
			return s.accounts.GetKey(ctx, keyID)
		})
		if err != nil {
			return nil, "", err
		}
		if key != nil {
			user, err := s.getUser(ctx, key.UserID)
			if err != nil {
				return nil, "", err
			}
			if user == nil {
				return nil, "", &model.InvalidUserError{UserID: key.UserID}
			}
			slog.Info("existing user logged in",
				slog.String("user_id", user.ID),
				slog.String("provider", identity.Provider),
			)
			return user, metrics.OutcomeSuccess, nil
		}

		// 2. 事前登録ユーザーへの紐付け
		user, err := s.linkExisting(ctx, identity)
		if errors.Is(err, model.ErrDuplicateKey) {
			slog.Warn("concurrent first login detected, resolving again",
				slog.String("provider", identity.Provider),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if user != nil {
			return user, metrics.OutcomeLinked, nil
		}

		// 3. 新規作成
		user, err = s.createUser(ctx, identity)
		if errors.Is(err, model.ErrDuplicateKey) {
			slog.Warn("concurrent first login detected, resolving again",
				slog.String("provider", identity.Provider),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return user, metrics.OutcomeCreated, nil
	}

	return nil, "", fmt.Errorf("could not resolve %s after %d attempts", identity.Provider, maxResolveAttempts)
}

// linkExisting は学内IDまたは検証済みメールアドレスが一致する既存ユーザーにキーを紐付ける。
// 該当ユーザーがいない場合は (nil, nil) を返す。
func (s *Service) linkExisting(ctx context.Context, identity *model.ExternalIdentity) (*model.User, error) {
	var candidate *model.User
	var err error

	if identity.InstitutionalID != "" {
		candidate, err = retry(ctx, s, "find_user", func() (*model.User, error) {
			return s.accounts.FindUserByInstitutionalID(ctx, identity.InstitutionalID)
		})
		if err != nil {
			return nil, err
		}
	}
	// 未検証のメールアドレスでは紐付けない
	if candidate == nil && identity.Email != "" && identity.EmailVerified {
		candidate, err = retry(ctx, s, "find_user", func() (*model.User, error) {
			return s.accounts.FindUserByEmail(ctx, normalizeEmail(identity.Email))
		})
		if err != nil {
			return nil, err
		}
	}
	if candidate == nil {
		return nil, nil
	}

	keys, err := retry(ctx, s, "get_keys", func() ([]*model.ProviderKey, error) {
		return s.accounts.GetKeysForUser(ctx, candidate.ID)
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Provider == identity.Provider {
			// 同じプロバイダーの別アカウントが紐付いている場合は別人として扱う
			return nil, nil
		}
	}

	key := &model.ProviderKey{
		UserID:         candidate.ID,
		Provider:       identity.Provider,
		ProviderUserID: identity.Subject,
	}
	if err := retryErr(ctx, s, "set_key", func() error {
		return s.accounts.SetKey(ctx, key)
	}); err != nil {
		return nil, err
	}

	// 事前登録ユーザーに欠けている項目を補う
	patch := model.UserPatch{}
	if candidate.InstitutionalID == "" && identity.InstitutionalID != "" {
		patch.InstitutionalID = &identity.InstitutionalID
	}
	if candidate.Name == "" {
		if name := s.sanitizer.SanitizeName(identity.Name); name != "" {
			patch.Name = &name
		}
	}
	if !patch.IsEmpty() {
		updated, err := retry(ctx, s, "update_user", func() (*model.User, error) {
			return s.accounts.UpdateUser(ctx, candidate.ID, patch)
		})
		if err != nil {
			slog.Warn("failed to complete linked user profile",
				slog.String("user_id", candidate.ID),
				slog.String("error", err.Error()),
			)
		} else {
			candidate = updated
		}
	}

	slog.Info("linked provider key to existing user",
		slog.String("user_id", candidate.ID),
		slog.String("provider", identity.Provider),
	)
	return candidate, nil
}

// createUser はユーザーとキーを作成する。
func (s *Service) createUser(ctx context.Context, identity *model.ExternalIdentity) (*model.User, error) {
	user := &model.User{
		Email:           normalizeEmail(identity.Email),
		InstitutionalID: identity.InstitutionalID,
		Name:            s.sanitizer.SanitizeName(identity.Name),
	}
	key := &model.ProviderKey{
		Provider:       identity.Provider,
		ProviderUserID: identity.Subject,
	}

	if err := retryErr(ctx, s, "set_user", func() error {
		return s.accounts.SetUser(ctx, user, key)
	}); err != nil {
		return nil, err
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", identity.Provider),
	)
	return user, nil
}

// GetSession はセッションIDからセッションとユーザーを取得する。
// セッションが存在しない場合は (nil, nil, nil) を返す。
func (s *Service) GetSession(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	if sessionID == "" {
		return nil, nil, nil
	}
	type pair struct {
		session *model.Session
		user    *model.User
	}
	p, err := retry(ctx, s, "get_session", func() (pair, error) {
		session, user, err := s.accounts.GetSessionAndUser(ctx, sessionID)
		return pair{session, user}, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}
	return p.session, p.user, nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	_, user, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	if err := retryErr(ctx, s, "delete_session", func() error {
		return s.accounts.DeleteSession(ctx, sessionID)
	}); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// LogoutEverywhere はユーザーのすべてのセッションを破棄する。
func (s *Service) LogoutEverywhere(ctx context.Context, userID string) error {
	if err := retryErr(ctx, s, "delete_sessions", func() error {
		return s.accounts.DeleteAllSessionsForUser(ctx, userID)
	}); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	slog.Info("user logged out from all sessions", slog.String("user_id", userID))
	return nil
}

// IssueTrustToken はユーザーの仮名化IDを主体とするトラストトークンを発行する。
// adminのaudienceは管理者にのみ発行する。
func (s *Service) IssueTrustToken(user *model.User, audience string) (string, error) {
	if user == nil {
		return "", ErrUserNotFound
	}
	if audience == trust.AudienceAdmin && !user.IsAdmin {
		s.metrics.RecordTrustToken(audience, metrics.OutcomeFailure)
		return "", ErrForbidden
	}

	subject, err := s.subjectFor(user)
	if err != nil {
		s.metrics.RecordTrustToken(audience, metrics.OutcomeFailure)
		return "", err
	}

	token, err := s.tokens.Issue(subject, audience)
	if err != nil {
		s.metrics.RecordTrustToken(audience, metrics.OutcomeFailure)
		return "", fmt.Errorf("failed to issue trust token: %w", err)
	}
	s.metrics.RecordTrustToken(audience, metrics.OutcomeSuccess)
	return token, nil
}

// VerifyTrustToken はトラストトークンを検証し、主体を返す。
func (s *Service) VerifyTrustToken(token, audience string) (string, error) {
	subject, err := s.tokens.Verify(token, audience)
	if err != nil {
		s.metrics.RecordTrustToken(audience, metrics.OutcomeFailure)
		return "", err
	}
	return subject, nil
}

// subjectFor はユーザーの外部公開用の仮名化IDを返す。
// メールアドレスを持たないSSOユーザーは学内IDの仮名化値をそのまま使う。
func (s *Service) subjectFor(user *model.User) (string, error) {
	if user.Email == "" {
		if user.InstitutionalID == "" {
			return "", &model.InvalidUserError{UserID: user.ID}
		}
		return user.InstitutionalID, nil
	}
	return s.hasher.IdentifierFor(user.Email)
}

// RosterEntry は研究同意済みユーザーの仮名化された名簿の1行。
type RosterEntry struct {
	Identifier  string `json:"identifier"`
	Group       *int   `json:"group"`
	EarlyAccess bool   `json:"early_access"`
	ExtraTime   bool   `json:"extra_time"`
}

// Roster は研究利用に同意したユーザーの仮名化名簿を返す。
func (s *Service) Roster(ctx context.Context) ([]RosterEntry, error) {
	users, err := retry(ctx, s, "list_consenting", func() ([]*model.User, error) {
		return s.accounts.ListResearchConsentingUsers(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list consenting users: %w", err)
	}

	roster := make([]RosterEntry, 0, len(users))
	for _, u := range users {
		id, err := s.subjectFor(u)
		if err != nil {
			return nil, err
		}
		roster = append(roster, RosterEntry{
			Identifier:  id,
			Group:       u.Group,
			EarlyAccess: u.EarlyAccess,
			ExtraTime:   u.ExtraTime,
		})
	}
	return roster, nil
}

// Preregister はメールアドレスのみのユーザーを事前登録する。
// 存在確認と作成は1トランザクションで行う。
func (s *Service) Preregister(ctx context.Context, email, name string) (*model.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if s.tx == nil {
		return nil, errors.New("transaction runner is not configured")
	}

	user := &model.User{
		Email: email,
		Name:  s.sanitizer.SanitizeName(name),
	}
	err := s.tx.RunInTx(ctx, func(st store.Store) error {
		accounts := adapter.New(st)
		existing, err := accounts.FindUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrUserExists
		}
		return accounts.SetUser(ctx, user, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to preregister user: %w", err)
	}

	slog.Info("user preregistered", slog.String("user_id", user.ID))
	return user, nil
}

// SetResearchConsent はユーザーの研究利用同意を記録する。
func (s *Service) SetResearchConsent(ctx context.Context, userID string) (*model.User, error) {
	consent := true
	return s.updateUser(ctx, userID, model.UserPatch{ResearchConsent: &consent})
}

// Flags は管理者が設定するユーザーフラグ。nilのフィールドは変更しない。
type Flags struct {
	EarlyAccess *bool `json:"early_access"`
	ExtraTime   *bool `json:"extra_time"`
}

// SetFlags はユーザーのフラグを更新する。
func (s *Service) SetFlags(ctx context.Context, userID string, flags Flags) (*model.User, error) {
	return s.updateUser(ctx, userID, model.UserPatch{
		EarlyAccess: flags.EarlyAccess,
		ExtraTime:   flags.ExtraTime,
	})
}

func (s *Service) updateUser(ctx context.Context, userID string, patch model.UserPatch) (*model.User, error) {
	user, err := retry(ctx, s, "update_user", func() (*model.User, error) {
		return s.accounts.UpdateUser(ctx, userID, patch)
	})
	if errors.Is(err, model.ErrInvalidUser) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

func (s *Service) getUser(ctx context.Context, userID string) (*model.User, error) {
	return retry(ctx, s, "get_user", func() (*model.User, error) {
		return s.accounts.GetUser(ctx, userID)
	})
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
	}
	if s.config.SessionExpires {
		session.ExpiresAt = now.Add(s.config.SessionMaxAge)
	}

	if err := retryErr(ctx, s, "set_session", func() error {
		return s.accounts.SetSession(ctx, session)
	}); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.metrics.RecordSessionCreated()
	return session, nil
}

// retry はストアに到達できない間だけ操作を指数バックオフで再試行する。
// それ以外のエラーは即座に返す。
func retry[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitialInterval

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, model.ErrBackendUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.config.RetryMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.metrics.RecordBackendRetry(op)
			slog.Warn("store unavailable, retrying",
				slog.String("op", op),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()),
			)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return v, err
}

func retryErr(ctx context.Context, s *Service, op string, fn func() error) error {
	_, err := retry(ctx, s, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// normalizeEmail はメールアドレスの前後空白を除き小文字化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
