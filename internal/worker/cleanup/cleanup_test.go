package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/courseauth/internal/store"
)

// mockDeleter はExpiredSessionDeleterのモック実装。
type mockDeleter struct {
	called  int
	before  time.Time
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	m.called++
	m.before = before
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func findLogEntry(t *testing.T, buf *bytes.Buffer, key string) (any, bool) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestNewCleanupJob_DefaultInterval(t *testing.T) {
	job := NewCleanupJob(&mockDeleter{}, nil)

	if job.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", job.Interval, DefaultInterval)
	}
}

func TestCleanupJob_Run_PassesCurrentTime(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mock := &mockDeleter{deleted: 3}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if mock.called != 1 {
		t.Fatalf("DeleteExpiredSessions の呼び出し回数 = %d, want 1", mock.called)
	}
	if !mock.before.Equal(now) {
		t.Errorf("before = %v, want %v", mock.before, now)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	tests := []struct {
		name    string
		deleted int64
	}{
		{"some rows", 42},
		{"zero rows", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := NewCleanupJob(&mockDeleter{deleted: tt.deleted}, newTestLogger(&buf))

			_ = job.Run(context.Background())

			count, ok := findLogEntry(t, &buf, "deleted_count")
			if !ok || count != float64(tt.deleted) {
				t.Errorf("ログに deleted_count=%d が記録されていない。ログ出力: %s", tt.deleted, buf.String())
			}
		})
	}
}

func TestCleanupJob_Run_ReturnsAndLogsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockDeleter{err: sql.ErrConnDone}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("削除失敗時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

// signalDeleter は呼び出しのたびにチャネルへ通知する。
type signalDeleter struct {
	calls chan struct{}
}

func (d *signalDeleter) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	d.calls <- struct{}{}
	return 0, nil
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	deleter := &signalDeleter{calls: make(chan struct{}, 1)}
	job := NewCleanupJob(deleter, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	job.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	select {
	case <-deleter.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("起動直後の実行が行われなかった")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start() が終了しなかった")
	}
}

func TestCleanupJob_Run_MemoryStore_DeletesOnlyExpired(t *testing.T) {
	db := store.NewMemoryDB()
	now := time.Now()

	err := db.RunInTx(context.Background(), func(s store.Store) error {
		rows := []store.Row{
			{"session_id": "expired", "user_id": "u1", "created_at": now.Add(-2 * time.Hour), "expires_at": now.Add(-time.Hour)},
			{"session_id": "live", "user_id": "u1", "created_at": now, "expires_at": now.Add(time.Hour)},
			{"session_id": "forever", "user_id": "u1", "created_at": now},
		}
		for _, row := range rows {
			if _, err := s.Insert(context.Background(), store.TableSessions, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("セッションの準備に失敗: %v", err)
	}

	var buf bytes.Buffer
	job := NewCleanupJob(db, newTestLogger(&buf))
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if got := db.Count(store.TableSessions); got != 2 {
		t.Errorf("残ったセッション数 = %d, want 2", got)
	}

	// 冪等: 2回目は削除対象がなくてもエラーにならない
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}
}
