package identity

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	identitydb "github.com/nao1215/pactgate/internal/identity/db"
	"github.com/nao1215/pactgate/pkg/event"
	"github.com/nao1215/pactgate/pkg/middleware"
	"github.com/nao1215/pactgate/pkg/migration"
)

const (
	// defaultRole は新規ユーザーのロール。
	defaultRole = "authenticated"
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 10 * time.Second
	// auditLimit は監査イベント取得の最大件数。
	auditLimit = 100
)

// Config は開発用認証プロバイダーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// DSN はSQLiteの接続文字列。
	DSN string
	// JWTSecret はアクセストークン署名用の秘密鍵。
	JWTSecret string
	// APIKey はクライアントが apikey ヘッダーで送る公開APIキー。
	APIKey string
	// AccessTokenTTL はアクセストークンの有効期間。
	AccessTokenTTL time.Duration
	// BcryptCost はパスワードハッシュのコスト。0の場合は bcrypt.DefaultCost。
	BcryptCost int
	// ReuseInterval は使用済みのリフレッシュトークンを再提示しても失効扱いにしない猶予。
	// 同時に発生した更新が互いのセッションを失効させないために使う。0の場合は猶予なし。
	ReuseInterval time.Duration
}

// Server は開発用認証プロバイダーのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// queries はクエリ実行オブジェクト。
	queries *identitydb.Queries
	// tokens はアクセストークンの発行と検証を行う。
	tokens *tokenIssuer
	// apiKey は要求する公開APIキー。
	apiKey string
	// bcryptCost はパスワードハッシュのコスト。
	bcryptCost int
	// reuseInterval は使用済みリフレッシュトークンの再利用猶予。
	reuseInterval time.Duration
	// logger はロガー。
	logger *slog.Logger
}

// NewServer は新しい認証プロバイダーのサーバーを生成し、スキーマを最新にする。
func NewServer(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" || cfg.APIKey == "" {
		return nil, errors.New("JWTSecret と APIKey は必須です")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のDBになるため1接続に制限する
	if strings.Contains(cfg.DSN, ":memory:") {
		sqlDB.SetMaxOpenConns(1)
	}

	if _, err := migration.New(sqlDB, migrationsFS, migrationsDir, logger).Run(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Recovery(logger))

	s := &Server{
		router:        router,
		port:          cfg.Port,
		db:            sqlDB,
		queries:       identitydb.New(sqlDB),
		tokens:        newTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL),
		apiKey:        cfg.APIKey,
		bcryptCost:    cost,
		reuseInterval: cfg.ReuseInterval,
		logger:        logger,
	}
	s.setupRoutes()

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

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth/v1")
	auth.Use(s.requireAPIKey())
	{
		auth.POST("/signup", s.handleSignup())
		auth.POST("/token", s.handleToken())
		auth.GET("/user", s.handleGetUser())
		auth.POST("/logout", s.handleLogout())
		auth.GET("/audit", s.handleListAudit())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "identity"})
	})
}

// requireAPIKey は apikey ヘッダーを検証するミドルウェアを返す。
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("apikey")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "APIキーが無効です"})
			return
		}
		c.Next()
	}
}

// credentialsRequest はサインアップとパスワードグラントの要求ボディ。
type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// refreshRequest はリフレッシュグラントの要求ボディ。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// userResponse はユーザー情報の応答。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Aud   string `json:"aud"`
}

// tokenResponse はトークン発行の応答。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

func toUserResponse(u identitydb.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Role: u.Role, Aud: defaultRole}
}

// invalidGrant はトークンエンドポイントの拒否応答を返す。
func invalidGrant(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": description})
}

// handleSignup はユーザーを登録してセッションを発行するハンドラを返す。
func (s *Server) handleSignup() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "リクエストが不正です: " + err.Error()})
			return
		}
		ctx := c.Request.Context()
		email := strings.ToLower(strings.TrimSpace(req.Email))

		if _, err := s.queries.GetUserByEmail(ctx, email); err == nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			s.internalError(c, "ユーザー取得に失敗しました", err)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
		if err != nil {
			s.internalError(c, "パスワードのハッシュ化に失敗しました", err)
			return
		}

		user := identitydb.User{ID: uuid.New().String(), Email: email, PasswordHash: string(hash), Role: defaultRole}
		if err := s.queries.CreateUser(ctx, identitydb.CreateUserParams{
			ID:           user.ID,
			Email:        user.Email,
			PasswordHash: user.PasswordHash,
			Role:         user.Role,
		}); err != nil {
			s.internalError(c, "ユーザー作成に失敗しました", err)
			return
		}
		if err := s.audit(c, s.queries, user.ID, "", event.TypeUserSignedUp, nil); err != nil {
			s.internalError(c, "監査イベントの記録に失敗しました", err)
			return
		}
		s.logger.InfoContext(ctx, "ユーザーを登録しました", "user_id", user.ID)

		s.startSession(c, user, "signup")
	}
}

// handleToken は grant_type に応じてトークンを発行するハンドラを返す。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch grant := c.Query("grant_type"); grant {
		case "password":
			s.passwordGrant(c)
		case "refresh_token":
			s.refreshGrant(c)
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "unsupported_grant_type",
				"error_description": fmt.Sprintf("未対応のgrant_typeです: %q", grant),
			})
		}
	}
}

// passwordGrant はメールアドレスとパスワードでログインする。
func (s *Server) passwordGrant(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidGrant(c, "メールアドレスまたはパスワードが不正です")
		return
	}
	ctx := c.Request.Context()

	user, err := s.queries.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, sql.ErrNoRows) {
		invalidGrant(c, "メールアドレスまたはパスワードが不正です")
		return
	} else if err != nil {
		s.internalError(c, "ユーザー取得に失敗しました", err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		invalidGrant(c, "メールアドレスまたはパスワードが不正です")
		return
	}

	s.startSession(c, user, "password")
}

// startSession は新しいセッションとリフレッシュトークンを作成してトークンを返す。
// method はログイン方法として監査イベントに記録する。
func (s *Server) startSession(c *gin.Context, user identitydb.User, method string) {
	ctx := c.Request.Context()
	sessionID := uuid.New().String()
	refresh, err := newRefreshToken()
	if err != nil {
		s.internalError(c, "トークン生成に失敗しました", err)
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.internalError(c, "トランザクション開始に失敗しました", err)
		return
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.queries.WithTx(tx)
	if err := q.CreateSession(ctx, sessionID, user.ID); err != nil {
		s.internalError(c, "セッション作成に失敗しました", err)
		return
	}
	if err := q.CreateRefreshToken(ctx, identitydb.CreateRefreshTokenParams{
		Token:     refresh,
		SessionID: sessionID,
		UserID:    user.ID,
	}); err != nil {
		s.internalError(c, "リフレッシュトークンの保存に失敗しました", err)
		return
	}
	if err := q.UpdateLastSignIn(ctx, user.ID); err != nil {
		s.internalError(c, "最終ログイン日時の更新に失敗しました", err)
		return
	}
	if err := s.audit(c, q, user.ID, sessionID, event.TypeLogin, event.LoginData{Method: method}); err != nil {
		s.internalError(c, "監査イベントの記録に失敗しました", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.internalError(c, "コミットに失敗しました", err)
		return
	}

	s.respondTokens(c, user, sessionID, refresh)
}

// refreshGrant はリフレッシュトークンをローテーションして新しいトークンの組を返す。
// 使用済みのリフレッシュトークンが再提示された場合はセッション全体を失効させる。
// ただし使用済みになってから reuseInterval 以内であれば、セッションの現在の
// リフレッシュトークンを返す。
func (s *Server) refreshGrant(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidGrant(c, "リフレッシュトークンが必要です")
		return
	}
	ctx := c.Request.Context()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.internalError(c, "トランザクション開始に失敗しました", err)
		return
	}
	defer tx.Rollback() //nolint:errcheck
	q := s.queries.WithTx(tx)

	current, err := q.GetRefreshToken(ctx, req.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		invalidGrant(c, "リフレッシュトークンが無効です")
		return
	} else if err != nil {
		s.internalError(c, "リフレッシュトークンの取得に失敗しました", err)
		return
	}

	if current.Revoked && s.withinReuseInterval(current) {
		s.reuseGrant(c, q, current)
		return
	}
	if current.Revoked {
		if err := s.revokeSession(ctx, q, current.SessionID); err != nil {
			s.internalError(c, "セッションの失効に失敗しました", err)
			return
		}
		if err := s.audit(c, q, current.UserID, current.SessionID, event.TypeTokenRevoked,
			event.TokenRevokedData{Reason: "refresh_token_reuse"}); err != nil {
			s.internalError(c, "監査イベントの記録に失敗しました", err)
			return
		}
		if err := tx.Commit(); err != nil {
			s.internalError(c, "コミットに失敗しました", err)
			return
		}
		s.logger.WarnContext(ctx, "使用済みのリフレッシュトークンが再提示されたためセッションを失効しました",
			"session_id", current.SessionID,
			"user_id", current.UserID,
		)
		invalidGrant(c, "リフレッシュトークンは使用済みです")
		return
	}

	sess, err := q.GetSession(ctx, current.SessionID)
	if err != nil {
		s.internalError(c, "セッションの取得に失敗しました", err)
		return
	}
	if sess.RevokedAt.Valid {
		invalidGrant(c, "セッションは失効しています")
		return
	}

	n, err := q.RevokeRefreshToken(ctx, current.Token)
	if err != nil {
		s.internalError(c, "リフレッシュトークンの更新に失敗しました", err)
		return
	}
	if n != 1 {
		invalidGrant(c, "リフレッシュトークンは使用済みです")
		return
	}

	user, err := q.GetUserByID(ctx, current.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		invalidGrant(c, "ユーザーが存在しません")
		return
	} else if err != nil {
		s.internalError(c, "ユーザー取得に失敗しました", err)
		return
	}

	next, err := newRefreshToken()
	if err != nil {
		s.internalError(c, "トークン生成に失敗しました", err)
		return
	}
	if err := q.CreateRefreshToken(ctx, identitydb.CreateRefreshTokenParams{
		Token:     next,
		SessionID: current.SessionID,
		UserID:    current.UserID,
	}); err != nil {
		s.internalError(c, "リフレッシュトークンの保存に失敗しました", err)
		return
	}
	issued, err := q.CountSessionRefreshTokens(ctx, current.SessionID)
	if err != nil {
		s.internalError(c, "リフレッシュトークンの集計に失敗しました", err)
		return
	}
	if err := s.audit(c, q, current.UserID, current.SessionID, event.TypeTokenRefreshed,
		event.TokenRefreshedData{Rotations: int(issued - 1)}); err != nil {
		s.internalError(c, "監査イベントの記録に失敗しました", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.internalError(c, "コミットに失敗しました", err)
		return
	}

	s.respondTokens(c, user, current.SessionID, next)
}

// withinReuseInterval は使用済みのトークンがまだ再利用猶予内かどうかを返す。
func (s *Server) withinReuseInterval(token identitydb.RefreshToken) bool {
	if s.reuseInterval <= 0 || !token.RevokedAt.Valid {
		return false
	}
	return time.Since(token.RevokedAt.Time) < s.reuseInterval
}

// reuseGrant は猶予内に再提示されたトークンに対し、ローテーションせずに
// セッションの現在のリフレッシュトークンと新しいアクセストークンを返す。
func (s *Server) reuseGrant(c *gin.Context, q *identitydb.Queries, current identitydb.RefreshToken) {
	ctx := c.Request.Context()

	sess, err := q.GetSession(ctx, current.SessionID)
	if err != nil {
		s.internalError(c, "セッションの取得に失敗しました", err)
		return
	}
	if sess.RevokedAt.Valid {
		invalidGrant(c, "セッションは失効しています")
		return
	}

	active, err := q.GetActiveRefreshToken(ctx, current.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		invalidGrant(c, "リフレッシュトークンは使用済みです")
		return
	} else if err != nil {
		s.internalError(c, "リフレッシュトークンの取得に失敗しました", err)
		return
	}

	user, err := q.GetUserByID(ctx, current.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		invalidGrant(c, "ユーザーが存在しません")
		return
	} else if err != nil {
		s.internalError(c, "ユーザー取得に失敗しました", err)
		return
	}

	s.logger.DebugContext(ctx, "再利用猶予内のリフレッシュトークンに現在のトークンを返しました",
		"session_id", current.SessionID,
		"user_id", current.UserID,
	)
	s.respondTokens(c, user, current.SessionID, active.Token)
}

// respondTokens はアクセストークンを発行してトークンの組を返す。
func (s *Server) respondTokens(c *gin.Context, user identitydb.User, sessionID, refresh string) {
	access, expires, err := s.tokens.Issue(user.ID, user.Email, user.Role, sessionID)
	if err != nil {
		s.internalError(c, "トークン生成に失敗しました", err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(time.Until(expires).Seconds()),
		ExpiresAt:    expires.Unix(),
		RefreshToken: refresh,
		User:         toUserResponse(user),
	})
}

// handleGetUser はアクセストークンを検証してユーザー情報を返すハンドラを返す。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := s.authenticate(c)
		if !ok {
			return
		}
		user, err := s.queries.GetUserByID(c.Request.Context(), claims.Subject)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		} else if err != nil {
			s.internalError(c, "ユーザー取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// handleLogout はアクセストークンのセッションを失効させるハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := s.authenticate(c)
		if !ok {
			return
		}
		if err := s.revokeSession(c.Request.Context(), s.queries, claims.SessionID); err != nil {
			s.internalError(c, "セッションの失効に失敗しました", err)
			return
		}
		if err := s.audit(c, s.queries, claims.Subject, claims.SessionID, event.TypeLogout, nil); err != nil {
			s.internalError(c, "監査イベントの記録に失敗しました", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleListAudit は呼び出し元ユーザーの監査イベントを返すハンドラを返す。
func (s *Server) handleListAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := s.authenticate(c)
		if !ok {
			return
		}
		rows, err := s.queries.ListAuditEventsByActor(c.Request.Context(), claims.Subject, auditLimit)
		if err != nil {
			s.internalError(c, "監査イベントの取得に失敗しました", err)
			return
		}

		events := make([]event.Event, 0, len(rows))
		for _, r := range rows {
			events = append(events, event.Event{
				ID:         r.ID,
				ActorID:    r.ActorID,
				SessionID:  r.SessionID,
				Type:       event.Type(r.Type),
				Data:       json.RawMessage(r.Data),
				RemoteAddr: r.RemoteAddr,
				CreatedAt:  r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// audit は監査イベントを記録する。q にトランザクションを渡すと同じトランザクションで記録される。
func (s *Server) audit(c *gin.Context, q *identitydb.Queries, actorID, sessionID string, typ event.Type, data any) error {
	ev, err := event.New(actorID, sessionID, typ, c.ClientIP(), data)
	if err != nil {
		return err
	}
	return q.CreateAuditEvent(c.Request.Context(), identitydb.AuditEvent{
		ID:         ev.ID,
		ActorID:    ev.ActorID,
		SessionID:  ev.SessionID,
		Type:       string(ev.Type),
		Data:       string(ev.Data),
		RemoteAddr: ev.RemoteAddr,
		CreatedAt:  ev.CreatedAt,
	})
}

// authenticate はBearerトークンを検証し、セッションが有効であることを確認する。
// 失敗した場合は401を返して false を返す。
func (s *Server) authenticate(c *gin.Context) (*Claims, bool) {
	tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer トークンが必要です"})
		return nil, false
	}

	claims, err := s.tokens.Verify(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
		return nil, false
	}

	sess, err := s.queries.GetSession(c.Request.Context(), claims.SessionID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && sess.RevokedAt.Valid) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "セッションは失効しています"})
		return nil, false
	} else if err != nil {
		s.internalError(c, "セッションの取得に失敗しました", err)
		return nil, false
	}
	return claims, true
}

// revokeSession はセッションとそのリフレッシュトークンを失効させる。
func (s *Server) revokeSession(ctx context.Context, q *identitydb.Queries, sessionID string) error {
	if err := q.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	return q.RevokeSessionRefreshTokens(ctx, sessionID)
}

// internalError は500を返してエラーを記録する。
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg,
		"error", err,
		"request_id", middleware.GetRequestID(c),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}
