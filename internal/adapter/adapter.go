// Package adapter はセッション・ユーザー・プロバイダーキーの永続化を
// store.Store の上に実装する。
//
// Adapter はどのStore実装（Direct/Proxy）の上でも同じ振る舞いをする。
// 複数ステップの操作はProxy上ではステップごとに別トランザクションになる。
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/store"
)

// インデックス名
const (
	indexUsersByEmail           = "by_email"
	indexUsersByInstitutionalID = "by_institutional_id"
	indexUsersByResearchConsent = "by_research_consent"
	indexSessionsBySessionID    = "by_session_id"
	indexSessionsByUserID       = "by_user_id"
	indexKeysByKeyID            = "by_key_id"
	indexKeysByUserID           = "by_user_id"
)

// ErrSessionNotFound は更新対象のセッションが存在しないことを表す。
var ErrSessionNotFound = errors.New("session not found")

// Adapter はセッション・ユーザー・キーのCRUDをStore上に実装する。
type Adapter struct {
	store store.Store
	now   func() time.Time
}

// New はAdapterを生成する。
func New(s store.Store) *Adapter {
	return &Adapter{store: s, now: time.Now}
}

// WithClock は時刻取得関数を差し替えたAdapterを返す。テスト用。
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	return &Adapter{store: a.store, now: now}
}

func (a *Adapter) timestamp() time.Time {
	// Postgresのtimestamptzはマイクロ秒精度
	return a.now().UTC().Truncate(time.Microsecond)
}

// --- セッション ---

// GetSessionAndUser はセッションIDからセッションと所有ユーザーを取得する。
// 不明なセッションIDや期限切れのセッションの場合は (nil, nil, nil) を返す。
// 期限切れのセッションはこの時点で削除する。
func (a *Adapter) GetSessionAndUser(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	row, err := a.findSessionRow(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, nil
	}

	session := sessionFromRow(row)
	if session.Expired(a.now()) {
		if err := a.store.Delete(ctx, row.ID(store.TableSessions)); err != nil {
			slog.Warn("failed to delete expired session",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil, nil
	}

	user, err := a.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		// 所有ユーザーのいないセッションは存在しないものとして扱う
		slog.Error("session references missing user",
			slog.String("user_id", session.UserID),
			slog.Bool("fatal", true),
		)
		return nil, nil, nil
	}
	return session, user, nil
}

// GetUserSessions はユーザーの全セッションを作成順に返す。
func (a *Adapter) GetUserSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	rows, err := a.store.FindAllByIndex(ctx, store.IndexQuery{
		Table: store.TableSessions, Index: indexSessionsByUserID, Field: "user_id", Value: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find user sessions: %w", err)
	}
	sessions := make([]*model.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionFromRow(row))
	}
	return sessions, nil
}

// SetSession はセッションを保存する。所有ユーザーが存在しない場合はInvalidUserErrorを返す。
func (a *Adapter) SetSession(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		return errors.New("session id is empty")
	}
	if err := a.requireUser(ctx, session.UserID); err != nil {
		return err
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = a.timestamp()
	}

	row := store.Row{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"created_at": session.CreatedAt,
		"expires_at": nullableTime(session.ExpiresAt),
	}
	if _, err := a.store.Insert(ctx, store.TableSessions, row); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSessionExpiry はセッションの有効期限を変更する。ゼロ値は無期限を表す。
func (a *Adapter) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	row, err := a.findSessionRow(ctx, sessionID)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrSessionNotFound
	}
	err = a.store.Patch(ctx, row.ID(store.TableSessions), store.Row{"expires_at": nullableTime(expiresAt)})
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update session expiry: %w", err)
	}
	return nil
}

// DeleteSession はセッションを削除する。存在しない場合も成功とする。
func (a *Adapter) DeleteSession(ctx context.Context, sessionID string) error {
	row, err := a.findSessionRow(ctx, sessionID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	if err := a.store.Delete(ctx, row.ID(store.TableSessions)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAllSessionsForUser はユーザーの全セッションを削除する。
func (a *Adapter) DeleteAllSessionsForUser(ctx context.Context, userID string) error {
	rows, err := a.store.FindAllByIndex(ctx, store.IndexQuery{
		Table: store.TableSessions, Index: indexSessionsByUserID, Field: "user_id", Value: userID,
	})
	if err != nil {
		return fmt.Errorf("failed to find user sessions: %w", err)
	}
	for _, row := range rows {
		if err := a.store.Delete(ctx, row.ID(store.TableSessions)); err != nil {
			return fmt.Errorf("failed to delete user session: %w", err)
		}
	}
	return nil
}

func (a *Adapter) findSessionRow(ctx context.Context, sessionID string) (store.Row, error) {
	if sessionID == "" {
		return nil, nil
	}
	row, err := a.store.FindFirstByIndex(ctx, store.IndexQuery{
		Table: store.TableSessions, Index: indexSessionsBySessionID, Field: "session_id", Value: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return row, nil
}

// --- ユーザー ---

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (a *Adapter) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, nil
	}
	row, err := a.store.Get(ctx, store.ID{Table: store.TableUsers, Key: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return userFromRow(row), nil
}

// FindUserByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (a *Adapter) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return a.findUser(ctx, indexUsersByEmail, "email", email)
}

// FindUserByInstitutionalID は学内IDの仮名化ハッシュでユーザーを検索する。
func (a *Adapter) FindUserByInstitutionalID(ctx context.Context, institutionalID string) (*model.User, error) {
	return a.findUser(ctx, indexUsersByInstitutionalID, "institutional_id", institutionalID)
}

// ListResearchConsentingUsers は研究利用に同意済みのユーザーを作成順に返す。
func (a *Adapter) ListResearchConsentingUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := a.store.FindAllByIndex(ctx, store.IndexQuery{
		Table: store.TableUsers, Index: indexUsersByResearchConsent, Field: "research_consent", Value: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list consenting users: %w", err)
	}
	users := make([]*model.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, userFromRow(row))
	}
	return users, nil
}

func (a *Adapter) findUser(ctx context.Context, index, field, value string) (*model.User, error) {
	if value == "" {
		return nil, nil
	}
	row, err := a.store.FindFirstByIndex(ctx, store.IndexQuery{
		Table: store.TableUsers, Index: index, Field: field, Value: value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s: %w", field, err)
	}
	if row == nil {
		return nil, nil
	}
	return userFromRow(row), nil
}

// SetUser はユーザーを作成し、keyが指定されていればそのユーザーに紐付けて作成する。
// user.ID と user.CreatedAt/UpdatedAt は採番された値で上書きする。
// キーの作成に失敗した場合は作成したユーザーを削除してからエラーを返す。
func (a *Adapter) SetUser(ctx context.Context, user *model.User, key *model.ProviderKey) error {
	if !user.HasIdentity() {
		return errors.New("user must have an email or an institutional id")
	}

	now := a.timestamp()
	user.CreatedAt = now
	user.UpdatedAt = now
	id, err := a.store.Insert(ctx, store.TableUsers, userToRow(user))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = id.Key

	if key == nil {
		return nil
	}
	key.UserID = user.ID
	if err := a.SetKey(ctx, key); err != nil {
		if delErr := a.store.Delete(ctx, id); delErr != nil {
			slog.Error("failed to remove user after key creation failure",
				slog.String("user_id", user.ID),
				slog.String("error", delErr.Error()),
			)
		}
		user.ID = ""
		return err
	}
	return nil
}

// UpdateUser はユーザーを部分更新する。ユーザーが存在しない場合はInvalidUserErrorを返す。
// 更新後にメールアドレスと学内IDの両方が空になる変更は拒否する。
func (a *Adapter) UpdateUser(ctx context.Context, userID string, patch model.UserPatch) (*model.User, error) {
	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, a.invalidUser(userID)
	}
	if patch.IsEmpty() {
		return user, nil
	}

	applyPatch(user, patch)
	if !user.HasIdentity() {
		return nil, errors.New("user must have an email or an institutional id")
	}
	user.UpdatedAt = a.timestamp()

	partial := patchToRow(patch)
	partial["updated_at"] = user.UpdatedAt
	err = a.store.Patch(ctx, store.ID{Table: store.TableUsers, Key: userID}, partial)
	if errors.Is(err, store.ErrNotFound) {
		return nil, a.invalidUser(userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// DeleteUser はユーザーの全セッションと全キーを削除してからユーザーを削除する。
func (a *Adapter) DeleteUser(ctx context.Context, userID string) error {
	if err := a.DeleteAllSessionsForUser(ctx, userID); err != nil {
		return err
	}
	if err := a.DeleteAllKeysForUser(ctx, userID); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, store.ID{Table: store.TableUsers, Key: userID}); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// --- プロバイダーキー ---

// SetKey はプロバイダーキーを作成する。
// 同じ(provider, providerUserID)のキーが既にあるか、ユーザーが同じプロバイダーのキーを
// 既に持っている場合はDuplicateKeyErrorを返す。
// ユーザーが存在しない場合はInvalidUserErrorを返す。
func (a *Adapter) SetKey(ctx context.Context, key *model.ProviderKey) error {
	keyID := model.KeyID(key.Provider, key.ProviderUserID)
	if err := a.requireUser(ctx, key.UserID); err != nil {
		return err
	}

	existing, err := a.GetKeysForUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	for _, k := range existing {
		if k.Provider == key.Provider {
			return a.duplicateKey(keyID)
		}
	}

	key.CreatedAt = a.timestamp()
	row := store.Row{
		"key_id":           keyID,
		"user_id":          key.UserID,
		"provider":         key.Provider,
		"provider_user_id": key.ProviderUserID,
		"hashed_password":  nil,
		"created_at":       key.CreatedAt,
	}
	id, err := a.store.Insert(ctx, store.TableKeys, row)
	if errors.Is(err, store.ErrUniqueViolation) {
		return a.duplicateKey(keyID)
	}
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}
	key.ID = id.Key
	return nil
}

// GetKey はキーIDでキーを取得する。見つからない場合はnilを返す。
func (a *Adapter) GetKey(ctx context.Context, keyID string) (*model.ProviderKey, error) {
	row, err := a.findKeyRow(ctx, keyID)
	if err != nil || row == nil {
		return nil, err
	}
	return keyFromRow(row), nil
}

// GetKeysForUser はユーザーの全キーを作成順に返す。
func (a *Adapter) GetKeysForUser(ctx context.Context, userID string) ([]*model.ProviderKey, error) {
	rows, err := a.store.FindAllByIndex(ctx, store.IndexQuery{
		Table: store.TableKeys, Index: indexKeysByUserID, Field: "user_id", Value: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find user keys: %w", err)
	}
	keys := make([]*model.ProviderKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, keyFromRow(row))
	}
	return keys, nil
}

// DeleteKey はキーを削除する。存在しない場合も成功とする。
func (a *Adapter) DeleteKey(ctx context.Context, keyID string) error {
	row, err := a.findKeyRow(ctx, keyID)
	if err != nil || row == nil {
		return err
	}
	if err := a.store.Delete(ctx, row.ID(store.TableKeys)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// DeleteAllKeysForUser はユーザーの全キーを削除する。
func (a *Adapter) DeleteAllKeysForUser(ctx context.Context, userID string) error {
	rows, err := a.store.FindAllByIndex(ctx, store.IndexQuery{
		Table: store.TableKeys, Index: indexKeysByUserID, Field: "user_id", Value: userID,
	})
	if err != nil {
		return fmt.Errorf("failed to find user keys: %w", err)
	}
	for _, row := range rows {
		if err := a.store.Delete(ctx, row.ID(store.TableKeys)); err != nil {
			return fmt.Errorf("failed to delete user key: %w", err)
		}
	}
	return nil
}

func (a *Adapter) findKeyRow(ctx context.Context, keyID string) (store.Row, error) {
	if keyID == "" {
		return nil, nil
	}
	row, err := a.store.FindFirstByIndex(ctx, store.IndexQuery{
		Table: store.TableKeys, Index: indexKeysByKeyID, Field: "key_id", Value: keyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find key: %w", err)
	}
	return row, nil
}

// --- 不変条件違反 ---

func (a *Adapter) requireUser(ctx context.Context, userID string) error {
	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return a.invalidUser(userID)
	}
	return nil
}

func (a *Adapter) invalidUser(userID string) error {
	slog.Error("adapter invariant violation: user does not exist",
		slog.String("user_id", userID),
		slog.Bool("fatal", true),
	)
	return &model.InvalidUserError{UserID: userID}
}

func (a *Adapter) duplicateKey(keyID string) error {
	slog.Error("adapter invariant violation: duplicate provider key",
		slog.String("key_id", keyID),
		slog.Bool("fatal", true),
	)
	return &model.DuplicateKeyError{KeyID: keyID}
}
