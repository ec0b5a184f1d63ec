package store

import (
	"fmt"
	"sort"
	"time"
)

// kind は列の型。
type kind int

const (
	kindString kind = iota
	kindBool
	kindInt
	kindTime
)

type column struct {
	kind     kind
	nullable bool
}

type index struct {
	field  string
	unique bool
}

type tableSchema struct {
	columns map[string]column
	indexes map[string]index
}

// schema はテーブル・列・インデックスの定義。
// migrations/ 配下のDDLと一致させること。
var schema = map[Table]tableSchema{
	TableUsers: {
		columns: map[string]column{
			"email":            {kind: kindString, nullable: true},
			"institutional_id": {kind: kindString, nullable: true},
			"name":             {kind: kindString, nullable: true},
			"is_admin":         {kind: kindBool},
			"cohort_group":     {kind: kindInt, nullable: true},
			"early_access":     {kind: kindBool},
			"extra_time":       {kind: kindBool},
			"research_consent": {kind: kindBool},
			"created_at":       {kind: kindTime},
			"updated_at":       {kind: kindTime},
		},
		indexes: map[string]index{
			"by_email":            {field: "email"},
			"by_institutional_id": {field: "institutional_id"},
			"by_research_consent": {field: "research_consent"},
		},
	},
	TableSessions: {
		columns: map[string]column{
			"session_id": {kind: kindString},
			"user_id":    {kind: kindString},
			"created_at": {kind: kindTime},
			"expires_at": {kind: kindTime, nullable: true},
		},
		indexes: map[string]index{
			"by_session_id": {field: "session_id", unique: true},
			"by_user_id":    {field: "user_id"},
		},
	},
	TableKeys: {
		columns: map[string]column{
			"key_id":           {kind: kindString},
			"user_id":          {kind: kindString},
			"provider":         {kind: kindString},
			"provider_user_id": {kind: kindString},
			"hashed_password":  {kind: kindString, nullable: true},
			"created_at":       {kind: kindTime},
		},
		indexes: map[string]index{
			"by_key_id":  {field: "key_id", unique: true},
			"by_user_id": {field: "user_id"},
		},
	},
}

func lookupTable(table Table) (tableSchema, error) {
	ts, ok := schema[table]
	if !ok {
		return tableSchema{}, fmt.Errorf("%w: unknown table %q", ErrSchema, table)
	}
	return ts, nil
}

// validateRow は行の列名と値の型を検証し、列名をソートして返す。
// 主キー列（id）は呼び出し側で扱うため含めてはならない。
func validateRow(table Table, row Row) ([]string, error) {
	ts, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(row))
	for field, value := range row {
		col, ok := ts.columns[field]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %s.%s", ErrSchema, table, field)
		}
		if err := checkValue(col, value); err != nil {
			return nil, fmt.Errorf("%w: column %s.%s: %v", ErrSchema, table, field, err)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields, nil
}

func checkValue(col column, value any) error {
	if value == nil {
		if !col.nullable {
			return fmt.Errorf("null is not allowed")
		}
		return nil
	}
	var ok bool
	switch col.kind {
	case kindString:
		_, ok = value.(string)
	case kindBool:
		_, ok = value.(bool)
	case kindInt:
		switch value.(type) {
		case int, int32, int64:
			ok = true
		}
	case kindTime:
		_, ok = value.(time.Time)
	}
	if !ok {
		return fmt.Errorf("unexpected value type %T", value)
	}
	return nil
}

// validateQuery はインデックス検索の指定を検証する。
func validateQuery(q IndexQuery) (index, error) {
	ts, err := lookupTable(q.Table)
	if err != nil {
		return index{}, err
	}
	idx, ok := ts.indexes[q.Index]
	if !ok {
		return index{}, fmt.Errorf("%w: unknown index %s.%s", ErrSchema, q.Table, q.Index)
	}
	if idx.field != q.Field {
		return index{}, fmt.Errorf("%w: index %s.%s is on %q, not %q", ErrSchema, q.Table, q.Index, idx.field, q.Field)
	}
	if q.Value == nil {
		return index{}, fmt.Errorf("%w: index %s.%s queried with null", ErrSchema, q.Table, q.Index)
	}
	if err := checkValue(ts.columns[idx.field], q.Value); err != nil {
		return index{}, fmt.Errorf("%w: index %s.%s: %v", ErrSchema, q.Table, q.Index, err)
	}
	return idx, nil
}

// columnNames はid列を先頭にしたテーブルの全列名を返す。
func columnNames(table Table) []string {
	ts := schema[table]
	names := make([]string, 0, len(ts.columns)+1)
	for name := range ts.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{FieldID}, names...)
}
