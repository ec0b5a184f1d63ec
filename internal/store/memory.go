package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memRow struct {
	seq uint64
	row Row
}

// MemoryDB はプロセス内メモリ上のストア。開発用の起動モードとテストで使う。
// トランザクションはDB全体のロックで直列化し、失敗時はスナップショットへ戻す。
type MemoryDB struct {
	mu     sync.Mutex
	seq    uint64
	tables map[Table]map[string]memRow
}

// NewMemoryDB は空のMemoryDBを生成する。
func NewMemoryDB() *MemoryDB {
	db := &MemoryDB{tables: make(map[Table]map[string]memRow)}
	for table := range schema {
		db.tables[table] = make(map[string]memRow)
	}
	return db
}

// RunInTx はDB全体をロックしてfnを実行する。fnがエラーを返した場合は変更を破棄する。
func (db *MemoryDB) RunInTx(ctx context.Context, fn func(s Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.snapshot()
	if err := fn(&memoryTx{db: db}); err != nil {
		db.tables = snapshot
		return err
	}
	return nil
}

// PingContext は常に成功する。ヘルスチェックで *sql.DB と同様に扱うためのもの。
func (db *MemoryDB) PingContext(ctx context.Context) error {
	return ctx.Err()
}

// Count はテーブルの行数を返す。テスト用。
func (db *MemoryDB) Count(table Table) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tables[table])
}

func (db *MemoryDB) snapshot() map[Table]map[string]memRow {
	copied := make(map[Table]map[string]memRow, len(db.tables))
	for table, rows := range db.tables {
		t := make(map[string]memRow, len(rows))
		for key, r := range rows {
			t[key] = memRow{seq: r.seq, row: r.row.Clone()}
		}
		copied[table] = t
	}
	return copied
}

// memoryTx はRunInTx中にだけ使えるDirect実装。呼び出し時点でdb.muを保持している。
type memoryTx struct {
	db *MemoryDB
}

func (tx *memoryTx) Insert(_ context.Context, table Table, value Row) (ID, error) {
	if _, err := validateRow(table, value); err != nil {
		return ID{}, err
	}

	id := ID{Table: table, Key: uuid.New().String()}
	row := fillNulls(table, value)
	row[FieldID] = id.Key

	if err := tx.checkUnique(table, id.Key, row); err != nil {
		return ID{}, fmt.Errorf("insert into %s: %w", table, err)
	}

	tx.db.seq++
	tx.db.tables[table][id.Key] = memRow{seq: tx.db.seq, row: row}
	return id, nil
}

func (tx *memoryTx) Get(_ context.Context, id ID) (Row, error) {
	if _, err := lookupTable(id.Table); err != nil {
		return nil, err
	}
	r, ok := tx.db.tables[id.Table][id.Key]
	if !ok {
		return nil, nil
	}
	return r.row.Clone(), nil
}

func (tx *memoryTx) Patch(_ context.Context, id ID, partial Row) error {
	if _, err := validateRow(id.Table, partial); err != nil {
		return err
	}
	r, ok := tx.db.tables[id.Table][id.Key]
	if !ok {
		return fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}

	updated := r.row.Clone()
	for field, value := range partial {
		updated[field] = normalize(value)
	}
	if err := tx.checkUnique(id.Table, id.Key, updated); err != nil {
		return fmt.Errorf("patch %s: %w", id, err)
	}

	tx.db.tables[id.Table][id.Key] = memRow{seq: r.seq, row: updated}
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, id ID) error {
	if _, err := lookupTable(id.Table); err != nil {
		return err
	}
	delete(tx.db.tables[id.Table], id.Key)
	return nil
}

func (tx *memoryTx) FindFirstByIndex(ctx context.Context, q IndexQuery) (Row, error) {
	rows, err := tx.FindAllByIndex(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (tx *memoryTx) FindAllByIndex(_ context.Context, q IndexQuery) ([]Row, error) {
	idx, err := validateQuery(q)
	if err != nil {
		return nil, err
	}

	var matched []memRow
	for _, r := range tx.db.tables[q.Table] {
		if v := r.row[idx.field]; v != nil && v == normalize(q.Value) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].row.Time("created_at"), matched[j].row.Time("created_at")
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return matched[i].seq < matched[j].seq
	})

	result := make([]Row, len(matched))
	for i, r := range matched {
		result[i] = r.row.Clone()
	}
	return result, nil
}

// checkUnique は一意インデックスの重複を検査する。selfKeyの行自身は除外する。
func (tx *memoryTx) checkUnique(table Table, selfKey string, row Row) error {
	for name, idx := range schema[table].indexes {
		if !idx.unique {
			continue
		}
		value := row[idx.field]
		if value == nil {
			continue
		}
		for key, other := range tx.db.tables[table] {
			if key != selfKey && other.row[idx.field] == value {
				return fmt.Errorf("%w (%s_%s)", ErrUniqueViolation, table, name)
			}
		}
	}
	return nil
}

// fillNulls は指定されなかった列をNULL（真偽値はfalse）で埋めたコピーを返す。
// Postgres実装の読み出し結果と同じ形にそろえる。
func fillNulls(table Table, value Row) Row {
	row := make(Row, len(schema[table].columns)+1)
	for name, col := range schema[table].columns {
		if col.kind == kindBool {
			row[name] = false
		} else {
			row[name] = nil
		}
	}
	for field, v := range value {
		row[field] = normalize(v)
	}
	return row
}

// normalize は整数型をintにそろえる。
func normalize(v any) any {
	switch i := v.(type) {
	case int64:
		return int(i)
	case int32:
		return int(i)
	}
	return v
}

// compile-time interface check
var (
	_ Store    = (*memoryTx)(nil)
	_ TxRunner = (*MemoryDB)(nil)
)
