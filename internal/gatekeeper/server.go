package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/pactgate/pkg/config"
	"github.com/nao1215/pactgate/pkg/idp"
	"github.com/nao1215/pactgate/pkg/metrics"
	"github.com/nao1215/pactgate/pkg/middleware"
	"github.com/nao1215/pactgate/pkg/route"
	"github.com/nao1215/pactgate/pkg/session"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// hopHeaders は転送しないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server はゲートキーパーのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// upstream は転送先アプリケーションのベースURL。
	upstream *url.URL
	// client は転送先へのHTTPクライアント。
	client *http.Client
	// gate はリクエストを判定するゲートキーパー。
	gate *middleware.Gatekeeper
	// openMode は認証を強制しないデモ動作か。
	openMode bool
	// logger はロガー。
	logger *slog.Logger
}

// NewServer は新しいゲートキーパーサーバーを生成する。
// 認証プロバイダーが設定されていない場合は全てのリクエストを通過させる。
func NewServer(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	upstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("転送先URLが不正です: %q", cfg.Upstream.URL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var provider session.Provider
	if cfg.Identity.Configured() {
		provider = idp.New(idp.Config{
			URL:          cfg.Identity.URL,
			APIKey:       cfg.Identity.APIKey,
			Timeout:      cfg.Identity.Timeout,
			ExpiryMargin: cfg.Identity.ExpiryMargin,
		})
	} else {
		logger.Warn("認証プロバイダーが設定されていないため、認証を強制せずに全てのリクエストを通過させます")
	}

	sessCfg := session.ConfigWithPrefix(cfg.Cookie.Prefix)
	sessCfg.Domain = cfg.Cookie.Domain
	sessCfg.Secure = cfg.Cookie.Secure
	sessCfg.MaxAge = cfg.Cookie.MaxAge
	resolver := session.NewResolver(provider, sessCfg)

	gate := middleware.NewGatekeeper(resolver,
		middleware.WithRouteTable(route.DefaultTable().Extend(cfg.Routes.PublicExact, cfg.Routes.PublicPrefixes)),
		middleware.WithResolveTimeout(cfg.Identity.Timeout),
		middleware.WithLogger(logger),
		middleware.WithMetrics(metrics.New(registry)),
	)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	s := &Server{
		router:   router,
		port:     cfg.Server.Port,
		upstream: upstream,
		client: &http.Client{
			// 転送先のリダイレクトはそのままクライアントへ返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		gate:     gate,
		openMode: resolver.OpenMode(),
		logger:   logger,
	}
	s.setupRoutes(registry)

	return s, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctx が終了したらグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.InfoContext(ctx, "ゲートキーパーを起動します",
		"port", s.port,
		"upstream", s.upstream.String(),
		"open_mode", s.openMode,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(registry *prometheus.Registry) {
	// ヘルスチェック
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gatekeeper", "open_mode": s.openMode})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	// それ以外は全て判定してから転送する
	s.router.NoRoute(s.gate.Handler(), s.handleProxy())
}

// handleProxy は転送先アプリケーションへリクエストをプロキシするハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		target := *s.upstream
		// パスはゲートキーパーが正規化済み。エスケープ形式はそのまま転送する
		target.Path = joinPath(s.upstream.Path, c.Request.URL.Path)
		target.RawPath = joinPath(s.upstream.EscapedPath(), c.Request.URL.EscapedPath())
		target.RawQuery = c.Request.URL.RawQuery
		s.doProxy(c, target.String())
	}
}

// doProxy はリクエストを転送先にプロキシする共通処理。
// ゲートキーパーが書き換えたCookieとユーザーIDヘッダーを含めて転送し、
// 応答のヘッダー・ステータス・ボディをそのまま返す。
func (s *Server) doProxy(c *gin.Context, target string) {
	ctx := c.Request.Context()
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}
	req.ContentLength = c.Request.ContentLength
	req.Header = c.Request.Header.Clone()
	removeHopHeaders(req.Header)
	req.Host = s.upstream.Host

	// 元のリクエスト情報を転送
	if ip, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}
	req.Header.Set("X-Forwarded-Host", c.Request.Host)
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.Abort()
			return
		}
		s.logger.ErrorContext(ctx, "転送先との通信に失敗しました",
			"url", target,
			"error", err,
			"request_id", middleware.GetRequestID(c),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "転送先との通信に失敗しました"})
		return
	}
	defer resp.Body.Close()

	// ゲートキーパーが書き込んだSet-Cookieは残したまま転送先のヘッダーを追加する
	header := c.Writer.Header()
	removeHopHeaders(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.WarnContext(ctx, "応答の転送が中断されました",
			"url", target,
			"error", err,
			"request_id", middleware.GetRequestID(c),
		)
	}
}

// removeHopHeaders はホップバイホップヘッダーと Connection に列挙されたヘッダーを取り除く。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// joinPath はベースパスとリクエストパスをスラッシュ1つで連結する。
func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		return p
	case strings.HasSuffix(base, "/") && strings.HasPrefix(p, "/"):
		return base + p[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(p, "/"):
		return base + "/" + p
	default:
		return base + p
	}
}
