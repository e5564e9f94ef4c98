// 開発用認証プロバイダーのエントリポイント。
// ゲートキーパーと同じAPIでユーザー登録・ログイン・トークン更新を提供する。
// ローカル開発とE2Eテスト専用。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/pactgate/internal/identity"
	"github.com/nao1215/pactgate/pkg/logger"
)

func main() {
	log := logger.New(os.Stderr, getEnvOr("LOG_LEVEL", "info"), getEnvOr("LOG_FORMAT", "text"))
	if err := run(log); err != nil {
		log.Error("認証プロバイダーを終了します", "error", err)
		os.Exit(1)
	}
}

// run は認証プロバイダーを起動し、シグナルを受けたら停止する。
func run(log *slog.Logger) error {
	ttl, err := time.ParseDuration(getEnvOr("ACCESS_TOKEN_TTL", "1h"))
	if err != nil {
		return fmt.Errorf("ACCESS_TOKEN_TTL が不正です: %w", err)
	}
	reuse, err := time.ParseDuration(getEnvOr("REFRESH_TOKEN_REUSE_INTERVAL", "10s"))
	if err != nil {
		return fmt.Errorf("REFRESH_TOKEN_REUSE_INTERVAL が不正です: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := getEnvOr("PORT", "9999")
	server, err := identity.NewServer(ctx, identity.Config{
		Port:           port,
		DSN:            getEnvOr("DATABASE_DSN", "file:/data/identity.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"),
		JWTSecret:      getEnvOr("JWT_SECRET", "dev-secret-key"),
		APIKey:         getEnvOr("API_KEY", "dev-anon-key"),
		AccessTokenTTL: ttl,
		ReuseInterval:  reuse,
	}, log)
	if err != nil {
		return fmt.Errorf("認証プロバイダーの初期化に失敗: %w", err)
	}
	defer server.Close()

	log.Info("認証プロバイダーを起動します", "port", port)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("認証プロバイダーの起動に失敗: %w", err)
	}
	return nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
