package store

import "time"

// Row はひとつの行を表す。キーは列名。
type Row map[string]any

// Clone は行の浅いコピーを返す。値はすべて不変なスカラーなので浅いコピーで十分。
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// ID は行の主キーを返す。
func (r Row) ID(table Table) ID {
	return ID{Table: table, Key: r.String(FieldID)}
}

// String は文字列フィールドを返す。未設定やNULLは空文字列。
func (r Row) String(field string) string {
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// StringPtr はNULL可能な文字列フィールドを返す。
func (r Row) StringPtr(field string) *string {
	if v, ok := r[field].(string); ok {
		return &v
	}
	return nil
}

// Bool は真偽値フィールドを返す。未設定やNULLはfalse。
func (r Row) Bool(field string) bool {
	v, _ := r[field].(bool)
	return v
}

// IntPtr はNULL可能な整数フィールドを返す。
func (r Row) IntPtr(field string) *int {
	switch v := r[field].(type) {
	case int:
		return &v
	case int64:
		i := int(v)
		return &i
	case int32:
		i := int(v)
		return &i
	}
	return nil
}

// Time は時刻フィールドを返す。未設定やNULLはゼロ値。
func (r Row) Time(field string) time.Time {
	if v, ok := r[field].(time.Time); ok {
		return v
	}
	return time.Time{}
}
