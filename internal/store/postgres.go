package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/courseauth/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// Querier は*sql.DBと*sql.Txの共通部分。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres はPostgreSQLに対するDirect実装。
// PostgresTxRunnerが開いたトランザクション（*sql.Tx）の上で使う。
type Postgres struct {
	q Querier
}

// NewPostgres はPostgresを生成する。
func NewPostgres(q Querier) *Postgres {
	return &Postgres{q: q}
}

// Insert は行を挿入し、採番したIDを返す。
func (p *Postgres) Insert(ctx context.Context, table Table, value Row) (ID, error) {
	fields, err := validateRow(table, value)
	if err != nil {
		return ID{}, err
	}

	id := ID{Table: table, Key: uuid.New().String()}
	cols := []string{pq.QuoteIdentifier(FieldID)}
	placeholders := []string{"$1"}
	args := []any{id.Key}
	for i, field := range fields {
		cols = append(cols, pq.QuoteIdentifier(field))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, value[field])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(string(table)), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := p.q.ExecContext(ctx, query, args...); err != nil {
		return ID{}, translatePgError(fmt.Sprintf("insert into %s", table), err)
	}
	return id, nil
}

// Get は主キーで行を取得する。見つからない場合はnilを返す。
func (p *Postgres) Get(ctx context.Context, id ID) (Row, error) {
	if _, err := lookupTable(id.Table); err != nil {
		return nil, err
	}
	if !validRowKey(id.Key) {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		selectList(id.Table), pq.QuoteIdentifier(string(id.Table)), pq.QuoteIdentifier(FieldID))

	rows, err := p.q.QueryContext(ctx, query, id.Key)
	if err != nil {
		return nil, translatePgError(fmt.Sprintf("get %s", id), err)
	}
	result, err := scanRows(id.Table, rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result[0], nil
}

// Patch は指定フィールドだけを更新する。
func (p *Postgres) Patch(ctx context.Context, id ID, partial Row) error {
	fields, err := validateRow(id.Table, partial)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if !validRowKey(id.Key) {
		return fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}

	sets := make([]string, 0, len(fields))
	args := []any{id.Key}
	for i, field := range fields {
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(field), i+2))
		args = append(args, partial[field])
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1",
		pq.QuoteIdentifier(string(id.Table)), strings.Join(sets, ", "), pq.QuoteIdentifier(FieldID))
	result, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return translatePgError(fmt.Sprintf("patch %s", id), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete は行を削除する。
func (p *Postgres) Delete(ctx context.Context, id ID) error {
	if _, err := lookupTable(id.Table); err != nil {
		return err
	}
	if !validRowKey(id.Key) {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pq.QuoteIdentifier(string(id.Table)), pq.QuoteIdentifier(FieldID))
	if _, err := p.q.ExecContext(ctx, query, id.Key); err != nil {
		return translatePgError(fmt.Sprintf("delete %s", id), err)
	}
	return nil
}

// validRowKey は主キーとしてUUID列に渡せる値かを返す。
// 形式が不正なキーの行は存在し得ないため、問い合わせずに「見つからない」として扱う。
func validRowKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}

// FindFirstByIndex はインデックスで最初の1行を取得する。
func (p *Postgres) FindFirstByIndex(ctx context.Context, q IndexQuery) (Row, error) {
	rows, err := p.findByIndex(ctx, q, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FindAllByIndex はインデックスで一致する全行を作成順に返す。
func (p *Postgres) FindAllByIndex(ctx context.Context, q IndexQuery) ([]Row, error) {
	return p.findByIndex(ctx, q, 0)
}

func (p *Postgres) findByIndex(ctx context.Context, q IndexQuery, limit int) ([]Row, error) {
	idx, err := validateQuery(q)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY created_at, %s",
		selectList(q.Table), pq.QuoteIdentifier(string(q.Table)),
		pq.QuoteIdentifier(idx.field), pq.QuoteIdentifier(FieldID))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.q.QueryContext(ctx, query, q.Value)
	if err != nil {
		return nil, translatePgError(fmt.Sprintf("find %s.%s", q.Table, q.Index), err)
	}
	return scanRows(q.Table, rows)
}

func selectList(table Table) string {
	names := columnNames(table)
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}

// scanRows は列の型に応じたNULL許容の受け皿にスキャンし、Rowへ変換する。
func scanRows(table Table, rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	names := columnNames(table)
	ts := schema[table]

	var result []Row
	for rows.Next() {
		dest := make([]any, len(names))
		for i, name := range names {
			if name == FieldID {
				dest[i] = new(string)
				continue
			}
			switch ts.columns[name].kind {
			case kindString:
				dest[i] = new(sql.NullString)
			case kindBool:
				dest[i] = new(sql.NullBool)
			case kindInt:
				dest[i] = new(sql.NullInt64)
			case kindTime:
				dest[i] = new(sql.NullTime)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		row := make(Row, len(names))
		for i, name := range names {
			switch v := dest[i].(type) {
			case *string:
				row[name] = *v
			case *sql.NullString:
				if v.Valid {
					row[name] = v.String
				} else {
					row[name] = nil
				}
			case *sql.NullBool:
				row[name] = v.Valid && v.Bool
			case *sql.NullInt64:
				if v.Valid {
					row[name] = int(v.Int64)
				} else {
					row[name] = nil
				}
			case *sql.NullTime:
				if v.Valid {
					row[name] = v.Time
				} else {
					row[name] = nil
				}
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	return result, nil
}

// translatePgError は一意制約違反と接続断をストア層のエラーに変換する。
func translatePgError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, ErrUniqueViolation, pqErr.Constraint)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return &model.BackendUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// PostgresTxRunner はPostgreSQLのトランザクションを開いてDirect実装を渡す。
type PostgresTxRunner struct {
	db *sql.DB
}

// NewPostgresTxRunner はPostgresTxRunnerを生成する。
func NewPostgresTxRunner(db *sql.DB) *PostgresTxRunner {
	return &PostgresTxRunner{db: db}
}

// RunInTx はトランザクション内でfnを実行する。
// トランザクションを開始できない場合はBackendUnavailableErrorを返す。
func (r *PostgresTxRunner) RunInTx(ctx context.Context, fn func(s Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.BackendUnavailableError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(NewPostgres(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ Store    = (*Postgres)(nil)
	_ TxRunner = (*PostgresTxRunner)(nil)
)
