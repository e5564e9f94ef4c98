// Package idp はリモートの認証プロバイダーのクライアントを提供する。
//
// GoTrue互換のHTTP APIを使い、アクセストークンの真正性を /auth/v1/user で検証する。
// アクセストークンが存在しないか期限間近の場合は、検証の前にリフレッシュトークンで
// トークンの組を更新する。トークンのローカル解析は有効期限の判定にだけ使い、
// 署名の検証は常に認証プロバイダーに委ねる。
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/pactgate/pkg/httpclient"
	"github.com/nao1215/pactgate/pkg/session"
)

const (
	// userPath はアクセストークンを検証してユーザーを返すエンドポイント。
	userPath = "/auth/v1/user"
	// tokenPath はトークンを発行するエンドポイント。
	tokenPath = "/auth/v1/token"
	// DefaultExpiryMargin は期限間近とみなす残り時間の既定値。
	DefaultExpiryMargin = 90 * time.Second
	// DefaultTimeout は認証プロバイダー呼び出しのタイムアウトの既定値。
	DefaultTimeout = 5 * time.Second
)

// Config は認証プロバイダーの接続設定。
type Config struct {
	// URL は認証プロバイダーのベースURL。
	URL string
	// APIKey は認証プロバイダーの公開APIキー。
	APIKey string
	// Timeout はHTTPリクエストのタイムアウト。
	Timeout time.Duration
	// ExpiryMargin は残り時間がこれを下回ったアクセストークンを更新する。
	ExpiryMargin time.Duration
}

// Client は session.Provider を実装する認証プロバイダーのクライアント。
type Client struct {
	// http は認証プロバイダーへのHTTPクライアント。
	http *httpclient.Client
	// expiryMargin は期限間近とみなす残り時間。
	expiryMargin time.Duration
	// now は現在時刻を返す。
	now func() time.Time
}

var _ session.Provider = (*Client)(nil)

// New は新しい認証プロバイダーのクライアントを生成する。
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	return &Client{
		http: httpclient.New(cfg.URL,
			httpclient.WithTimeout(timeout),
			httpclient.WithHeader("apikey", cfg.APIKey),
		),
		expiryMargin: margin,
		now:          time.Now,
	}
}

// userResponse は /auth/v1/user の応答。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// tokenResponse は /auth/v1/token の応答。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

// refreshRequest はリフレッシュグラントの要求ボディ。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ValidateAndRefresh は資格情報を検証し、必要であればトークンの組を更新する。
func (c *Client) ValidateAndRefresh(ctx context.Context, cred session.Credential) (session.Validation, error) {
	access := cred.AccessToken
	needRefresh := access == ""
	if access != "" {
		exp, err := expiresAt(access)
		if err != nil {
			return session.Validation{}, fmt.Errorf("アクセストークンの解析に失敗: %w: %w", session.ErrMalformedCredential, err)
		}
		needRefresh = !exp.IsZero() && !c.now().Add(c.expiryMargin).Before(exp)
	}

	var renewed *session.TokenPair
	if needRefresh {
		if cred.RefreshToken == "" {
			return session.Validation{}, session.ErrExpiredNoRefresh
		}
		pair, err := c.refresh(ctx, cred.RefreshToken)
		if err != nil {
			return session.Validation{}, err
		}
		renewed = &pair
		access = pair.AccessToken
	}

	principal, err := c.user(ctx, access)
	if err != nil {
		return session.Validation{}, err
	}
	return session.Validation{Principal: principal, Renewed: renewed}, nil
}

// refresh はリフレッシュトークンで新しいトークンの組を取得する。
func (c *Client) refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	q := url.Values{"grant_type": []string{"refresh_token"}}
	var resp tokenResponse
	err := c.http.PostJSON(ctx, tokenPath+"?"+q.Encode(), nil, refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return session.TokenPair{}, classify(err, session.ErrExpiredNoRefresh, "トークンの更新に失敗")
	}
	if resp.AccessToken == "" {
		return session.TokenPair{}, fmt.Errorf("トークンの更新に失敗: アクセストークンが空です: %w", session.ErrProviderUnavailable)
	}

	expires := time.Unix(resp.ExpiresAt, 0)
	if resp.ExpiresAt == 0 {
		expires = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return session.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expires,
	}, nil
}

// user はアクセストークンを認証プロバイダーで検証し、プリンシパルを返す。
func (c *Client) user(ctx context.Context, accessToken string) (*session.Principal, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	var resp userResponse
	if err := c.http.GetJSON(ctx, userPath, header, &resp); err != nil {
		return nil, classify(err, session.ErrRevokedOrInvalid, "アクセストークンの検証に失敗")
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("アクセストークンの検証に失敗: ユーザーIDが空です: %w", session.ErrRevokedOrInvalid)
	}
	return &session.Principal{ID: resp.ID, Email: resp.Email, Role: resp.Role}, nil
}

// classify は認証プロバイダー呼び出しのエラーを番兵エラーでラップする。
// 4xxの拒否は rejected、400/422は形式不正、それ以外はプロバイダー障害として扱う。
func classify(err error, rejected error, msg string) error {
	code, ok := httpclient.StatusCode(err)
	if !ok {
		return fmt.Errorf("%s: %w: %w", msg, session.ErrProviderUnavailable, err)
	}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", msg, rejected, err)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		if errors.Is(rejected, session.ErrExpiredNoRefresh) {
			return fmt.Errorf("%s: %w: %w", msg, rejected, err)
		}
		return fmt.Errorf("%s: %w: %w", msg, session.ErrMalformedCredential, err)
	default:
		return fmt.Errorf("%s: %w: %w", msg, session.ErrProviderUnavailable, err)
	}
}

// expiresAt は署名を検証せずにアクセストークンの有効期限を読み取る。
// exp クレームがない場合はゼロ値を返す。
func expiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
