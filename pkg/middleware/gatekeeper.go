package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/pactgate/pkg/cookie"
	"github.com/nao1215/pactgate/pkg/metrics"
	"github.com/nao1215/pactgate/pkg/route"
	"github.com/nao1215/pactgate/pkg/session"
	"github.com/nao1215/pactgate/pkg/verdict"
)

const (
	// headerKeyUserID は転送先アプリケーションへユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
	// contextKeyPrincipal はGinコンテキストにプリンシパルを格納するキー。
	contextKeyPrincipal = "principal"
	// defaultResolveTimeout はセッション解決のタイムアウトの既定値。
	defaultResolveTimeout = 5 * time.Second
)

// SessionResolver はCookieから呼び出し元のセッションを解決する。
type SessionResolver interface {
	Resolve(ctx context.Context, b *cookie.Bridge) session.Outcome
}

// RequestContext はゲートキーパーが1リクエストにつき1度だけ構築する読み取り専用の入力。
type RequestContext struct {
	// Path は正規化したリクエストパス。分類と転送の両方にこのパスを使う。
	Path string
	// EscapedPath は Path のエスケープ形式。ログイン後の戻り先に使う。
	EscapedPath string
	// Query はクエリパラメータ（同名の場合は最初の値）。
	Query map[string]string
	// Cookies は受信Cookie（受信順）。
	Cookies []*http.Cookie
	// RequestID はログ相関用のリクエストID。
	RequestID string
}

// CleanPath は . と .. のセグメントおよび連続したスラッシュを取り除いたパスを返す。
// 末尾のスラッシュは保持し、空のパスは "/" になる。
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// normalizeURL はURLのパスを正規化する。正規化で変わらないパスはエスケープ形式も保つ。
func normalizeURL(u *url.URL) {
	cleaned := CleanPath(u.Path)
	if cleaned == u.Path {
		return
	}
	raw := ""
	if u.RawPath != "" {
		// エスケープ形式を正規化しても同じパスを表す場合だけ保持する
		if r := CleanPath(u.RawPath); unescapes(r, cleaned) {
			raw = r
		}
	}
	u.Path, u.RawPath = cleaned, raw
}

func unescapes(escaped, want string) bool {
	p, err := url.PathUnescape(escaped)
	return err == nil && p == want
}

// RequestContextFrom はHTTPリクエストから RequestContext を構築する。
// パスは正規化してから使う。
func RequestContextFrom(r *http.Request) RequestContext {
	u := *r.URL
	normalizeURL(&u)

	values := r.URL.Query()
	query := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return RequestContext{
		Path:        u.Path,
		EscapedPath: u.EscapedPath(),
		Query:       query,
		Cookies:     r.Cookies(),
		RequestID:   r.Header.Get(headerKeyRequestID),
	}
}

// redirectTarget はログイン後の戻り先を返す。
func (rc RequestContext) redirectTarget() string {
	if rc.EscapedPath != "" {
		return rc.EscapedPath
	}
	return rc.Path
}

// Evaluation は1リクエスト分の評価結果。
type Evaluation struct {
	// Category はルート分類。
	Category route.Category
	// Outcome はセッション解決の結果。静的アセットの場合はゼロ値。
	Outcome session.Outcome
	// Resolved はセッション解決を行ったか。
	Resolved bool
	// Verdict はルーティング判定。
	Verdict verdict.Verdict
}

// Gatekeeper はリクエストごとにルート分類・セッション解決・判定を行う。
// リクエスト間で共有する可変状態は持たない。
type Gatekeeper struct {
	table    route.Table
	resolver SessionResolver
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// GatekeeperOption は Gatekeeper の設定を変更する。
type GatekeeperOption func(*Gatekeeper)

// WithRouteTable はルート表を差し替える。
func WithRouteTable(t route.Table) GatekeeperOption {
	return func(g *Gatekeeper) { g.table = t }
}

// WithResolveTimeout はセッション解決のタイムアウトを設定する。
func WithResolveTimeout(d time.Duration) GatekeeperOption {
	return func(g *Gatekeeper) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) GatekeeperOption {
	return func(g *Gatekeeper) { g.logger = l }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) GatekeeperOption {
	return func(g *Gatekeeper) { g.metrics = m }
}

// NewGatekeeper は新しい Gatekeeper を生成する。
func NewGatekeeper(resolver SessionResolver, opts ...GatekeeperOption) *Gatekeeper {
	g := &Gatekeeper{
		table:    route.DefaultTable(),
		resolver: resolver,
		timeout:  defaultResolveTimeout,
		logger:   slog.Default(),
		metrics:  metrics.New(nil),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate はリクエストを評価して判定を返す。
// 静的アセットではセッション解決を行わない。セッション解決にはタイムアウトを設け、
// 超過した場合はプロバイダー障害として扱う。
func (g *Gatekeeper) Evaluate(ctx context.Context, rc RequestContext) Evaluation {
	if cleaned := CleanPath(rc.Path); cleaned != rc.Path {
		rc.Path, rc.EscapedPath = cleaned, ""
	}
	category := g.table.Classify(rc.Path)
	if category == route.StaticAsset {
		v := verdict.Decide(category, session.Outcome{}, rc.redirectTarget())
		g.metrics.ObserveVerdict(category.String(), v.Kind.String())
		return Evaluation{Category: category, Verdict: v}
	}

	resolveCtx, cancel := context.WithTimeout(ctx, g.timeout)
	start := time.Now()
	outcome := g.resolver.Resolve(resolveCtx, cookie.NewBridge(rc.Cookies))
	elapsed := time.Since(start)
	cancel()

	g.logOutcome(ctx, rc, category, outcome, elapsed)

	v := verdict.Decide(category, outcome, rc.redirectTarget())
	g.metrics.ObserveVerdict(category.String(), v.Kind.String())
	if v.Kind == verdict.Redirect {
		g.logger.DebugContext(ctx, "リダイレクトします",
			"request_id", rc.RequestID,
			"path", rc.Path,
			"location", v.Location(),
		)
	}
	return Evaluation{Category: category, Outcome: outcome, Resolved: true, Verdict: v}
}

// logOutcome はセッション解決の結果を種別ごとに区別して記録する。
func (g *Gatekeeper) logOutcome(ctx context.Context, rc RequestContext, category route.Category, outcome session.Outcome, elapsed time.Duration) {
	switch {
	case outcome.OpenMode:
		g.metrics.ObserveResolution("open_mode", elapsed)
		return
	case outcome.Authenticated():
		g.metrics.ObserveResolution("authenticated", elapsed)
		if len(outcome.Mutations) > 0 {
			g.logger.DebugContext(ctx, "セッションを更新しました",
				"request_id", rc.RequestID,
				"user_id", outcome.Principal.ID,
				"cookies", len(outcome.Mutations),
			)
		}
		return
	}

	kind := outcome.Err.Kind
	g.metrics.ObserveResolution(kind.String(), elapsed)

	level := slog.LevelDebug
	switch kind {
	case session.ProviderUnavailable:
		level = slog.LevelWarn
	case session.MalformedCredential, session.RevokedOrInvalid:
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "セッションを解決できませんでした",
		"request_id", rc.RequestID,
		"path", rc.Path,
		"category", category.String(),
		"kind", kind.String(),
		"error", outcome.Err,
		"elapsed", elapsed,
	)
}

// Handler は判定を適用するGinミドルウェアを返す。
//
// Continue はそのまま後続へ進める。ContinueWithCookies は更新したCookieを
// レスポンスに書き込み、転送するリクエストのCookieも置き換える。Redirect は
// 307でリダイレクトし、後続のハンドラを実行しない。
func (g *Gatekeeper) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// クライアントが送ったユーザーIDは信用しない
		c.Request.Header.Del(headerKeyUserID)
		// 判定したパスと転送するパスを一致させる
		normalizeURL(c.Request.URL)

		ev := g.Evaluate(c.Request.Context(), RequestContextFrom(c.Request))
		v := ev.Verdict

		switch v.Kind {
		case verdict.Redirect:
			cookie.Write(c.Writer, v.Mutations)
			c.Redirect(http.StatusTemporaryRedirect, v.Location())
			c.Abort()
			return
		case verdict.ContinueWithCookies:
			cookie.Write(c.Writer, v.Mutations)
			cookie.RewriteRequest(c.Request, v.Mutations)
		}

		if p := ev.Outcome.Principal; p != nil {
			c.Set(contextKeyPrincipal, p)
			c.Set("user_id", p.ID)
			c.Set("email", p.Email)
			c.Request.Header.Set(headerKeyUserID, p.ID)
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Gatekeeper.Handler が事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetPrincipal はGinコンテキストから検証済みのプリンシパルを取得する。
func GetPrincipal(c *gin.Context) (*session.Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*session.Principal)
	return p, ok
}
