package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig はテスト用の設定ファイルを書き出す。
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pactgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
	}
	return path
}

// TestLoadDefaults は既定値での読み込みを検証する。
func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "8080")
	}
	if cfg.Identity.Timeout != 5*time.Second {
		t.Errorf("Identity.Timeout = %v, want 5s", cfg.Identity.Timeout)
	}
	if cfg.Identity.ExpiryMargin != 90*time.Second {
		t.Errorf("Identity.ExpiryMargin = %v, want 90s", cfg.Identity.ExpiryMargin)
	}
	if cfg.Cookie.Prefix != "pact" || !cfg.Cookie.Secure {
		t.Errorf("Cookie = %+v", cfg.Cookie)
	}
	if cfg.Identity.Configured() {
		t.Error("既定値で認証プロバイダーが設定済みになっている")
	}
}

// TestLoadFile は設定ファイルからの読み込みを検証する。
func TestLoadFile(t *testing.T) {
	t.Parallel()

	t.Run("YAMLの値が反映されること", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, `
server:
  port: "9090"
upstream:
  url: http://app:3000
identity:
  url: http://identity:9999
  api_key: anon-key
  timeout: 2s
cookie:
  prefix: sb
  secure: false
routes:
  public_exact: ["/pricing"]
  public_prefixes: ["/blog/"]
cors:
  allowed_origins: ["https://example.com"]
log:
  level: debug
  format: json
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Server.Port != "9090" || cfg.Upstream.URL != "http://app:3000" {
			t.Errorf("cfg = %+v", cfg)
		}
		if !cfg.Identity.Configured() || cfg.Identity.Timeout != 2*time.Second {
			t.Errorf("Identity = %+v", cfg.Identity)
		}
		if cfg.Cookie.Prefix != "sb" || cfg.Cookie.Secure {
			t.Errorf("Cookie = %+v", cfg.Cookie)
		}
		if len(cfg.Routes.PublicExact) != 1 || cfg.Routes.PublicPrefixes[0] != "/blog/" {
			t.Errorf("Routes = %+v", cfg.Routes)
		}
		if cfg.Log.Format != "json" {
			t.Errorf("Log = %+v", cfg.Log)
		}
	})

	t.Run("存在しないファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("不正な値は検証エラーになること", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, `
identity:
  url: "not a url"
log:
  level: verbose
routes:
  public_exact: ["pricing"]
`)
		_, err := Load(path)
		if err == nil {
			t.Fatal("Load()がエラーを返すべきだが、nilが返った")
		}
		for _, field := range []string{"Identity.URL", "Log.Level", "Routes.PublicExact[0]"} {
			if !strings.Contains(err.Error(), field) {
				t.Errorf("エラーに %s が含まれていない: %v", field, err)
			}
		}
	})
}

// TestLoadEnv は環境変数による上書きを検証する。
func TestLoadEnv(t *testing.T) {
	t.Setenv("PACTGATE_IDENTITY_URL", "http://identity:9999")
	t.Setenv("PACTGATE_IDENTITY_API_KEY", "anon-key")
	t.Setenv("PACTGATE_COOKIE_SECURE", "false")
	t.Setenv("PACTGATE_ROUTES_PUBLIC_PREFIXES", "/blog/,/docs/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load()でエラーが発生: %v", err)
	}
	if !cfg.Identity.Configured() {
		t.Errorf("Identity = %+v", cfg.Identity)
	}
	if cfg.Cookie.Secure {
		t.Error("Cookie.Secureがtrue")
	}
	if len(cfg.Routes.PublicPrefixes) != 2 || cfg.Routes.PublicPrefixes[1] != "/docs/" {
		t.Errorf("Routes.PublicPrefixes = %v", cfg.Routes.PublicPrefixes)
	}
}

// TestIdentityConfigured はURLとAPIキーの両方が必要であることを検証する。
func TestIdentityConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  IdentityConfig
		want bool
	}{
		{name: "両方あり", cfg: IdentityConfig{URL: "http://x", APIKey: "k"}, want: true},
		{name: "URLなし", cfg: IdentityConfig{APIKey: "k"}, want: false},
		{name: "APIキーなし", cfg: IdentityConfig{URL: "http://x"}, want: false},
	}
	for _, tt := range tests {
		if got := tt.cfg.Configured(); got != tt.want {
			t.Errorf("%s: Configured() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
