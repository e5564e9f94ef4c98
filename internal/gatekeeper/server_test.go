package gatekeeper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/pactgate/internal/identity"
	"github.com/nao1215/pactgate/pkg/config"
	"github.com/nao1215/pactgate/pkg/cookie"
	"github.com/nao1215/pactgate/pkg/httpclient"
)

const testAPIKey = "test-anon-key"

func init() {
	gin.SetMode(gin.TestMode)
}

// upstreamRequest は転送先が受け取ったリクエストの記録。
type upstreamRequest struct {
	Path    string
	Escaped string
	Query   string
	Cookie  string
	UserID  string
	Host    string
}

// fakeUpstream は受け取ったリクエストを記録する転送先アプリケーション。
type fakeUpstream struct {
	*httptest.Server
	mu       sync.Mutex
	requests []upstreamRequest
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	u := &fakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.requests = append(u.requests, upstreamRequest{
			Path:    r.URL.Path,
			Escaped: r.URL.EscapedPath(),
			Query:   r.URL.RawQuery,
			Cookie:  r.Header.Get("Cookie"),
			UserID:  r.Header.Get("X-User-ID"),
			Host:    r.Header.Get("X-Forwarded-Host"),
		})
		u.mu.Unlock()

		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "app-pref", Value: "dark", Path: "/"})
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(u.Close)
	return u
}

// last は最後に受け取ったリクエストを返す。
func (u *fakeUpstream) last(t *testing.T) upstreamRequest {
	t.Helper()

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		t.Fatal("転送先にリクエストが届いていない")
	}
	return u.requests[len(u.requests)-1]
}

func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// newIdentityServer はテスト用の認証プロバイダーを起動する。
func newIdentityServer(t *testing.T, ttl time.Duration) *httptest.Server {
	t.Helper()

	s, err := identity.NewServer(context.Background(), identity.Config{
		DSN:            ":memory:",
		JWTSecret:      "test-secret",
		APIKey:         testAPIKey,
		AccessTokenTTL: ttl,
		BcryptCost:     bcrypt.MinCost,
	}, discardLogger())
	if err != nil {
		t.Fatalf("認証プロバイダーの初期化に失敗: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv
}

// tokens は認証プロバイダーが発行したトークンの組。
type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// signup は認証プロバイダーにユーザーを登録する。
func signup(t *testing.T, idpURL, email string) tokens {
	t.Helper()

	client := httpclient.New(idpURL, httpclient.WithHeader("apikey", testAPIKey))
	var resp tokens
	if err := client.PostJSON(context.Background(), "/auth/v1/signup", nil, map[string]string{
		"email":    email,
		"password": "password123",
	}, &resp); err != nil {
		t.Fatalf("ユーザー登録に失敗: %v", err)
	}
	return resp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig はテスト用の設定を返す。idpURL が空の場合はオープンモード。
func testConfig(upstreamURL, idpURL string) config.Config {
	cfg := config.Config{
		Server:   config.ServerConfig{Port: "0"},
		Upstream: config.UpstreamConfig{URL: upstreamURL},
		Identity: config.IdentityConfig{Timeout: 5 * time.Second, ExpiryMargin: 90 * time.Second},
		Cookie:   config.CookieConfig{Prefix: "pact", MaxAge: 720 * time.Hour},
		Routes:   config.RoutesConfig{PublicExact: []string{"/pricing"}},
		CORS:     config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Log:      config.LogConfig{Level: "info", Format: "text"},
	}
	if idpURL != "" {
		cfg.Identity.URL = idpURL
		cfg.Identity.APIKey = testAPIKey
	}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()

	s, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("サーバーの初期化に失敗: %v", err)
	}
	return s
}

// get はゲートキーパーにGETリクエストを送信する。
func get(s *Server, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// sessionCookies はトークンの組をセッションCookieにする。
func sessionCookies(tk tokens) []*http.Cookie {
	return []*http.Cookie{
		{Name: "pact-access-token", Value: tk.AccessToken},
		{Name: "pact-refresh-token", Value: tk.RefreshToken},
	}
}

// TestHealthz はヘルスチェックを検証する。
func TestHealthz(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	s := newTestServer(t, testConfig(upstream.URL, ""))

	w := get(s, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"open_mode":true`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if upstream.count() != 0 {
		t.Error("ヘルスチェックが転送された")
	}
}

// TestOpenMode は認証プロバイダー未設定時に全てのリクエストが転送されることを検証する。
func TestOpenMode(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	s := newTestServer(t, testConfig(upstream.URL, ""))

	for _, p := range []string{"/", "/dashboard", "/agreements/1", "/_next/static/app.js"} {
		w := get(s, p)
		if w.Code != http.StatusOK {
			t.Errorf("%s: ステータスコード = %d, want %d", p, w.Code, http.StatusOK)
		}
		if got := w.Body.String(); got != "upstream:"+p {
			t.Errorf("%s: body = %q", p, got)
		}
	}
}

// TestProxy は転送処理を検証する。
func TestProxy(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	s := newTestServer(t, testConfig(upstream.URL, ""))

	t.Run("パス・クエリ・応答ヘッダーがそのまま転送されること", func(t *testing.T) {
		w := get(s, "/d/public/abc?lang=ja&x=1")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		got := upstream.last(t)
		if got.Path != "/d/public/abc" || got.Query != "lang=ja&x=1" {
			t.Errorf("転送先のリクエスト = %+v", got)
		}
		if got.Host != "example.com" {
			t.Errorf("X-Forwarded-Host = %q, want %q", got.Host, "example.com")
		}
		if w.Header().Get("X-Upstream") != "1" {
			t.Error("転送先の応答ヘッダーが返されていない")
		}
		if c := cookie.NewJar(w.Result().Cookies()); c.Len() != 1 {
			t.Errorf("Set-Cookie = %v", w.Result().Cookies())
		}
	})

	t.Run("転送先のリダイレクトはそのまま返されること", func(t *testing.T) {
		w := get(s, "/moved")
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/elsewhere" {
			t.Errorf("ステータスコード = %d, Location = %q", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("クライアントが送ったX-User-IDは転送されないこと", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.Header.Set("X-User-ID", "spoofed")
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)

		if got := upstream.last(t); got.UserID != "" {
			t.Errorf("X-User-ID = %q, want empty", got.UserID)
		}
	})
}

// TestProxyUpstreamDown は転送先が応答しない場合に502を返すことを検証する。
func TestProxyUpstreamDown(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	s := newTestServer(t, testConfig(url, ""))
	w := get(s, "/")
	if w.Code != http.StatusBadGateway {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

// TestEnforcing は認証プロバイダーと組み合わせた判定を検証する。
func TestEnforcing(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	idpSrv := newIdentityServer(t, time.Hour)
	s := newTestServer(t, testConfig(upstream.URL, idpSrv.URL))
	tk := signup(t, idpSrv.URL, "alice@example.com")

	t.Run("Cookieなしでダッシュボードを開くとログインへリダイレクトされること", func(t *testing.T) {
		before := upstream.count()
		w := get(s, "/dashboard")
		if w.Code != http.StatusTemporaryRedirect {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusTemporaryRedirect)
		}
		if loc := w.Header().Get("Location"); loc != "/login?redirect=%2Fdashboard" {
			t.Errorf("Location = %q", loc)
		}
		if upstream.count() != before {
			t.Error("リダイレクトしたリクエストが転送された")
		}
	})

	t.Run("有効なセッションでは転送されユーザーIDが伝播されること", func(t *testing.T) {
		w := get(s, "/dashboard/settings", sessionCookies(tk)...)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := upstream.last(t); got.UserID != tk.User.ID {
			t.Errorf("X-User-ID = %q, want %q", got.UserID, tk.User.ID)
		}
	})

	t.Run("ログイン済みでログインページを開くとダッシュボードへリダイレクトされること", func(t *testing.T) {
		w := get(s, "/login", sessionCookies(tk)...)
		if w.Code != http.StatusTemporaryRedirect || w.Header().Get("Location") != "/dashboard" {
			t.Errorf("ステータスコード = %d, Location = %q", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("無効なアクセストークンではリダイレクトされること", func(t *testing.T) {
		w := get(s, "/dashboard", &http.Cookie{Name: "pact-access-token", Value: "not-a-jwt"})
		if w.Code != http.StatusTemporaryRedirect {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTemporaryRedirect)
		}
	})

	t.Run("公開ルートと追加した公開ルートはCookieなしで転送されること", func(t *testing.T) {
		for _, p := range []string{"/", "/d/public/abc", "/pricing", "/login"} {
			if w := get(s, p); w.Code != http.StatusOK {
				t.Errorf("%s: ステータスコード = %d, want %d", p, w.Code, http.StatusOK)
			}
		}
	})

	t.Run("メトリクスに判定が記録されること", func(t *testing.T) {
		w := get(s, "/metrics")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := w.Body.String()
		for _, want := range []string{
			`pactgate_verdicts_total{category="protected",verdict="redirect"}`,
			`pactgate_session_resolutions_total{outcome="no_credential"}`,
			"go_goroutines",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("メトリクスに %q が含まれていない", want)
			}
		}
	})
}

// TestEnforcingPathNormalization は公開ルートや静的アセットのプレフィックスを経由した
// パストラバーサルが転送されないこと、転送するパスが判定したパスと一致することを検証する。
func TestEnforcingPathNormalization(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	idpSrv := newIdentityServer(t, time.Hour)
	s := newTestServer(t, testConfig(upstream.URL, idpSrv.URL))

	t.Run("正規化後に保護ルートとなるパスは転送されずリダイレクトされること", func(t *testing.T) {
		for _, p := range []string{
			"/api/../dashboard",
			"/api/%2e%2e/dashboard",
			"/api//../dashboard",
			"/auth/../dashboard",
			"/auth/%2e%2e/dashboard",
			"/auth//../dashboard",
			"/d/../dashboard/settings",
			"/d/%2e%2e/dashboard/settings",
			"/d//../dashboard/settings",
			"/_next/../dashboard",
			"/_next/%2e%2e/dashboard",
			"/_next//../dashboard",
			"//dashboard",
		} {
			before := upstream.count()
			w := get(s, p)
			if w.Code != http.StatusTemporaryRedirect {
				t.Errorf("%s: ステータスコード = %d, want %d", p, w.Code, http.StatusTemporaryRedirect)
			}
			if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "/login?redirect=%2Fdashboard") {
				t.Errorf("%s: Location = %q", p, loc)
			}
			if upstream.count() != before {
				t.Errorf("%s: リダイレクトしたリクエストが転送された", p)
			}
		}
	})

	t.Run("公開ルートは正規化したパスで転送されること", func(t *testing.T) {
		tests := []struct {
			path string
			want string
		}{
			{path: "/api/./agreements", want: "/api/agreements"},
			{path: "/api//agreements", want: "/api/agreements"},
			{path: "/d/x/../public/abc", want: "/d/public/abc"},
			{path: "/_next/static/%2e%2e/static/app.js", want: "/_next/static/app.js"},
		}
		for _, tt := range tests {
			w := get(s, tt.path)
			if w.Code != http.StatusOK {
				t.Errorf("%s: ステータスコード = %d, want %d", tt.path, w.Code, http.StatusOK)
				continue
			}
			if got := upstream.last(t); got.Path != tt.want {
				t.Errorf("%s: 転送先のパス = %q, want %q", tt.path, got.Path, tt.want)
			}
		}
	})

	t.Run("エスケープされたスラッシュはそのまま転送されること", func(t *testing.T) {
		w := get(s, "/api/agreements/a%2Fb")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := upstream.last(t); got.Escaped != "/api/agreements/a%2Fb" {
			t.Errorf("転送先のパス = %q, want %q", got.Escaped, "/api/agreements/a%2Fb")
		}
	})
}

// TestEnforcingRefresh は期限間近のアクセストークンが更新されることを検証する。
func TestEnforcingRefresh(t *testing.T) {
	t.Parallel()

	upstream := newFakeUpstream(t)
	// 有効期間を更新の閾値より短くして毎回更新させる
	idpSrv := newIdentityServer(t, time.Minute)
	s := newTestServer(t, testConfig(upstream.URL, idpSrv.URL))
	tk := signup(t, idpSrv.URL, "bob@example.com")

	w := get(s, "/dashboard/settings", sessionCookies(tk)...)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	jar := cookie.NewJar(w.Result().Cookies())
	access, ok := jar.Get("pact-access-token")
	if !ok || access == "" || access == tk.AccessToken {
		t.Errorf("更新されたアクセストークン = %q", access)
	}
	refreshed, ok := jar.Get("pact-refresh-token")
	if !ok || refreshed == "" || refreshed == tk.RefreshToken {
		t.Errorf("更新されたリフレッシュトークン = %q", refreshed)
	}
	if _, ok := jar.Get("app-pref"); !ok {
		t.Error("転送先のSet-Cookieが失われている")
	}

	got := upstream.last(t)
	if !strings.Contains(got.Cookie, "pact-access-token="+access) {
		t.Errorf("転送先が受け取ったCookie = %q", got.Cookie)
	}
	if got.UserID != tk.User.ID {
		t.Errorf("X-User-ID = %q, want %q", got.UserID, tk.User.ID)
	}

	// 使用済みのリフレッシュトークンを再提示するとセッションが失効する
	w = get(s, "/dashboard", &http.Cookie{Name: "pact-refresh-token", Value: tk.RefreshToken})
	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("再提示のステータスコード = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
}

// TestNewServer は設定の検証を検証する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(testConfig("not a url", ""), discardLogger()); err == nil {
		t.Error("不正な転送先URLでエラーが返されるべき")
	}
}

// TestJoinPath はパスの連結を検証する。
func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, path, want string
	}{
		{"", "/a", "/a"},
		{"/", "/a", "/a"},
		{"/app", "/a", "/app/a"},
		{"/app/", "/a", "/app/a"},
		{"/app", "a", "/app/a"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.base, tt.path); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
