package store

import (
	"context"
	"fmt"
	"time"
)

// DeleteExpiredSessions は期限がbefore以前のセッションを削除し、削除件数を返す。
// 無期限セッション（expires_at が NULL）は対象外。
func (r *PostgresTxRunner) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, translatePgError("delete expired sessions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

// DeleteExpiredSessions は期限がbefore以前のセッションを削除し、削除件数を返す。
func (db *MemoryDB) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var n int64
	for key, r := range db.tables[TableSessions] {
		expiresAt, ok := r.row["expires_at"].(time.Time)
		if !ok || expiresAt.After(before) {
			continue
		}
		delete(db.tables[TableSessions], key)
		n++
	}
	return n, nil
}
