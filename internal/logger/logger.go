package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys はログに全文を残さない属性キー。
// セッションIDやトークンは先頭数文字だけを残してマスクする。
var sensitiveKeys = map[string]bool{
	"session_id": true,
	"token":      true,
	"auth_check": true,
}

const visiblePrefix = 6

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel は指定レベル以上を出力するJSONロガーを生成する。
func SetupWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: maskSensitive,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 出力レベルは環境変数 LOG_LEVEL（debug, info, warn, error）で変更できる。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := SetupWithLevel(w, ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
}

// ParseLevel はログレベル名をslog.Levelに変換する。不明な値はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func maskSensitive(groups []string, a slog.Attr) slog.Attr {
	if !sensitiveKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if len(v) <= visiblePrefix {
		return slog.String(a.Key, "***")
	}
	return slog.String(a.Key, v[:visiblePrefix]+"***")
}
