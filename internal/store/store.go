// Package store はテーブル・インデックス単位の汎用CRUDインターフェースを提供する。
//
// 実装は2系統ある。
//   - Direct: トランザクション内でのみ使える実装（Postgres, memoryTx）。TxRunner.RunInTx から渡される。
//   - Proxy: 直接のストアアクセスを持たない文脈で使う実装。すべての操作をBoundaryへ送り、結果を待つ。
//
// 呼び出し側はどちらの実装かを意識しない。
package store

import (
	"context"
	"errors"
	"fmt"
)

// Table はテーブル名を表す。
type Table string

// テーブル
const (
	TableUsers    Table = "users"
	TableSessions Table = "sessions"
	TableKeys     Table = "auth_keys"
)

// FieldID はすべての行に含まれる主キーのフィールド名。
const FieldID = "id"

// ID は行の主キー。テーブルを含むため、Patch/Delete はIDだけで対象を特定できる。
type ID struct {
	Table Table
	Key   string
}

// String はログ出力用の表現を返す。
func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.Table, id.Key)
}

// IsZero はIDが未設定かを返す。
func (id ID) IsZero() bool {
	return id.Key == ""
}

// IndexQuery はインデックスによる等価検索を表す。
type IndexQuery struct {
	Table Table
	Index string
	Field string
	Value any
}

// ストア層のエラー
var (
	// ErrNotFound はPatch対象の行が存在しないことを表す。
	ErrNotFound = errors.New("row not found")
	// ErrUniqueViolation は一意インデックスへの重複挿入を表す。
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrSchema はスキーマに存在しないテーブル・列・インデックスの指定を表す。
	ErrSchema = errors.New("schema violation")
)

// Store はテーブル・インデックス単位の汎用CRUDインターフェース。
type Store interface {
	// Insert は行を挿入し、採番したIDを返す。
	Insert(ctx context.Context, table Table, value Row) (ID, error)
	// Get は主キーで行を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, id ID) (Row, error)
	// Patch は指定フィールドだけを更新する。行が無い場合はErrNotFoundを返す。
	Patch(ctx context.Context, id ID, partial Row) error
	// Delete は行を削除する。行が無い場合も成功とする。
	Delete(ctx context.Context, id ID) error
	// FindFirstByIndex はインデックスで最初の1行を取得する。見つからない場合はnilを返す。
	FindFirstByIndex(ctx context.Context, q IndexQuery) (Row, error)
	// FindAllByIndex はインデックスで一致する全行を作成順に返す。
	FindAllByIndex(ctx context.Context, q IndexQuery) ([]Row, error)
}

// TxRunner はトランザクションを開き、その中で使えるDirect実装を渡す。
// fnがエラーを返した場合はロールバックする。
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(s Store) error) error
}

// OpKind はBoundaryへ送る操作の種類。
type OpKind string

// 操作の種類
const (
	OpInsert    OpKind = "insert"
	OpGet       OpKind = "get"
	OpPatch     OpKind = "patch"
	OpDelete    OpKind = "delete"
	OpFindFirst OpKind = "findFirstByIndex"
	OpFindAll   OpKind = "findAllByIndex"
)

// Op はトランザクション境界へ送るひとつの操作。
type Op struct {
	Kind  OpKind
	Table Table
	ID    ID
	Row   Row
	Query IndexQuery
}

// Result はOpの実行結果。
type Result struct {
	ID   ID
	Row  Row
	Rows []Row
}

// Apply はOpをStoreに対して実行する。
func Apply(ctx context.Context, s Store, op Op) (Result, error) {
	switch op.Kind {
	case OpInsert:
		id, err := s.Insert(ctx, op.Table, op.Row)
		return Result{ID: id}, err
	case OpGet:
		row, err := s.Get(ctx, op.ID)
		return Result{Row: row}, err
	case OpPatch:
		return Result{}, s.Patch(ctx, op.ID, op.Row)
	case OpDelete:
		return Result{}, s.Delete(ctx, op.ID)
	case OpFindFirst:
		row, err := s.FindFirstByIndex(ctx, op.Query)
		return Result{Row: row}, err
	case OpFindAll:
		rows, err := s.FindAllByIndex(ctx, op.Query)
		return Result{Rows: rows}, err
	default:
		return Result{}, fmt.Errorf("unknown store operation: %q", op.Kind)
	}
}
