// Package logger はslogベースの構造化ロガーを生成する。
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New は指定したレベルと形式のロガーを生成する。
// format が "json" の場合はJSON、それ以外はテキスト形式で出力する。
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel はレベル名を slog.Level に変換する。不明な名前は Info として扱う。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
