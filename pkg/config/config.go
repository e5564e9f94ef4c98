// Package config はゲートキーパーの設定を読み込む。
//
// 設定はYAMLファイルと PACTGATE_ プレフィックス付きの環境変数から読み込む
// （例: PACTGATE_IDENTITY_URL は identity.url を上書きする）。
// 認証プロバイダーのURLまたはAPIキーが未設定の場合、ゲートキーパーは
// 認証を強制しないデモ動作になる。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix は環境変数のプレフィックス。
const envPrefix = "PACTGATE"

// Config はゲートキーパーの設定。
type Config struct {
	// Server はHTTPサーバーの設定。
	Server ServerConfig `mapstructure:"server"`
	// Upstream はリクエストの転送先アプリケーションの設定。
	Upstream UpstreamConfig `mapstructure:"upstream"`
	// Identity は認証プロバイダーの設定。
	Identity IdentityConfig `mapstructure:"identity"`
	// Cookie はセッションCookieの設定。
	Cookie CookieConfig `mapstructure:"cookie"`
	// Routes は公開ルートの追加設定。
	Routes RoutesConfig `mapstructure:"routes"`
	// CORS はクロスオリジン設定。
	CORS CORSConfig `mapstructure:"cors"`
	// Log はログ出力の設定。
	Log LogConfig `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port" validate:"required,numeric"`
}

// UpstreamConfig は転送先アプリケーションの設定。
type UpstreamConfig struct {
	// URL は転送先のベースURL。
	URL string `mapstructure:"url" validate:"required,url"`
}

// IdentityConfig は認証プロバイダーの設定。
type IdentityConfig struct {
	// URL は認証プロバイダーのベースURL。
	URL string `mapstructure:"url" validate:"omitempty,url"`
	// APIKey は認証プロバイダーの公開APIキー。
	APIKey string `mapstructure:"api_key"`
	// Timeout は認証プロバイダー呼び出しのタイムアウト。
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1ms"`
	// ExpiryMargin は期限間近とみなすアクセストークンの残り時間。
	ExpiryMargin time.Duration `mapstructure:"expiry_margin" validate:"min=0"`
}

// Configured は認証プロバイダーが設定されているかを返す。
func (c IdentityConfig) Configured() bool {
	return c.URL != "" && c.APIKey != ""
}

// CookieConfig はセッションCookieの設定。
type CookieConfig struct {
	// Prefix はCookie名のプレフィックス。
	Prefix string `mapstructure:"prefix" validate:"required,excludesall=;0x2C"`
	// Domain はCookieのドメイン属性。
	Domain string `mapstructure:"domain"`
	// Secure はCookieにSecure属性を付与するか。
	Secure bool `mapstructure:"secure"`
	// MaxAge は更新したCookieの有効期間。
	MaxAge time.Duration `mapstructure:"max_age" validate:"min=1s"`
}

// RoutesConfig は公開ルートの追加設定。
type RoutesConfig struct {
	// PublicExact は追加する公開完全一致ルート。
	PublicExact []string `mapstructure:"public_exact" validate:"dive,startswith=/"`
	// PublicPrefixes は追加する公開前方一致ルート。
	PublicPrefixes []string `mapstructure:"public_prefixes" validate:"dive,startswith=/"`
}

// CORSConfig はクロスオリジン設定。
type CORSConfig struct {
	// AllowedOrigins は許可するオリジン。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	// Level はログレベル。
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// Format は出力形式。
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// setDefaults は全キーの既定値を設定する。
// 既定値のないキーは環境変数から読み込まれないため、空値でも登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("upstream.url", "http://localhost:3000")
	v.SetDefault("identity.url", "")
	v.SetDefault("identity.api_key", "")
	v.SetDefault("identity.timeout", "5s")
	v.SetDefault("identity.expiry_margin", "90s")
	v.SetDefault("cookie.prefix", "pact")
	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.max_age", "720h")
	v.SetDefault("routes.public_exact", []string{})
	v.SetDefault("routes.public_prefixes", []string{})
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load は設定ファイルと環境変数から設定を読み込み、検証する。
// configFile が空の場合は環境変数と既定値だけを使う。
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。
func Validate(cfg Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("設定値が不正です: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("設定値の検証に失敗: %w", err)
	}
	return nil
}
