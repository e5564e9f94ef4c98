package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nao1215/pactgate/pkg/cookie"
)

// Principal は認証プロバイダーが検証した呼び出し元の識別情報。
type Principal struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role は認証プロバイダー上のロール。
	Role string `json:"role"`
}

// Credential は呼び出し元が提示したトークンの組。どちらも空の場合がある。
type Credential struct {
	// AccessToken はベアラートークン。
	AccessToken string
	// RefreshToken はアクセストークンの更新に使うトークン。
	RefreshToken string
}

// TokenPair は認証プロバイダーが発行した新しいトークンの組。
type TokenPair struct {
	// AccessToken は新しいアクセストークン。
	AccessToken string
	// RefreshToken は新しいリフレッシュトークン。
	RefreshToken string
	// ExpiresAt はアクセストークンの有効期限。
	ExpiresAt time.Time
}

// Validation は認証プロバイダーによる検証結果。
type Validation struct {
	// Principal は検証済みの呼び出し元。
	Principal *Principal
	// Renewed はトークンが更新された場合の新しい組。更新されなかった場合はnil。
	Renewed *TokenPair
}

// Provider はリモートの認証プロバイダー。
// ValidateAndRefresh は資格情報の真正性を検証し、期限間近であれば更新する。
// 失敗時は本パッケージの番兵エラーをラップして返すこと。
type Provider interface {
	ValidateAndRefresh(ctx context.Context, cred Credential) (Validation, error)
}

// Outcome はセッション解決の結果。
// OpenMode でない限り、Principal と Err のどちらか一方だけが設定される。
type Outcome struct {
	// Principal は検証済みの呼び出し元。
	Principal *Principal
	// Err は解決に失敗した理由。
	Err *AuthError
	// Mutations はレスポンスへ適用するCookie変更。失敗時は常に空。
	Mutations []cookie.Mutation
	// OpenMode は認証プロバイダーが設定されていないデモ動作であることを表す。
	OpenMode bool
}

// Authenticated はプリンシパルが検証済みであるかを返す。
func (o Outcome) Authenticated() bool {
	return o.Principal != nil
}

// Config はセッションCookieの設定。
type Config struct {
	// AccessCookie はアクセストークンを格納するCookie名。
	AccessCookie string
	// RefreshCookie はリフレッシュトークンを格納するCookie名。
	RefreshCookie string
	// Domain はCookieのドメイン属性。
	Domain string
	// Secure はCookieにSecure属性を付与するか。
	Secure bool
	// MaxAge は更新したCookieの有効期間。
	MaxAge time.Duration
}

// DefaultConfig はCookieプレフィックス "pact" の既定設定を返す。
func DefaultConfig() Config {
	return ConfigWithPrefix("pact")
}

// ConfigWithPrefix は指定したプレフィックスのCookie名を持つ設定を返す。
func ConfigWithPrefix(prefix string) Config {
	return Config{
		AccessCookie:  prefix + "-access-token",
		RefreshCookie: prefix + "-refresh-token",
		Secure:        true,
		MaxAge:        30 * 24 * time.Hour,
	}
}

// Resolver は呼び出し元のセッションを解決する。状態を持たず並行に利用できる。
type Resolver struct {
	provider Provider
	cfg      Config
}

// NewResolver は新しい Resolver を生成する。
// provider がnilの場合、認証プロバイダー未設定のデモ動作になる。
func NewResolver(provider Provider, cfg Config) *Resolver {
	return &Resolver{provider: provider, cfg: cfg}
}

// OpenMode は認証プロバイダーが設定されていないかを返す。
func (r *Resolver) OpenMode() bool {
	return r.provider == nil
}

// Resolve は Bridge から資格情報を読み取り、認証プロバイダーで検証する。
// 更新されたトークンは Bridge にステージし、結果の Mutations として取り出す。
func (r *Resolver) Resolve(ctx context.Context, b *cookie.Bridge) Outcome {
	if r.provider == nil {
		return Outcome{OpenMode: true}
	}

	access, _ := b.Read(r.cfg.AccessCookie)
	refresh, _ := b.Read(r.cfg.RefreshCookie)
	if access == "" && refresh == "" {
		return failure(&AuthError{Kind: NoCredential})
	}

	v, err := r.provider.ValidateAndRefresh(ctx, Credential{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		return failure(newAuthError(err))
	}
	if v.Principal == nil || v.Principal.ID == "" {
		return failure(&AuthError{Kind: RevokedOrInvalid, Err: errors.New("認証プロバイダーがプリンシパルを返しませんでした")})
	}

	if v.Renewed != nil {
		r.stage(b, *v.Renewed)
	}
	return Outcome{Principal: v.Principal, Mutations: b.Materialize()}
}

// stage は更新されたトークンの組をCookieとしてステージする。
func (r *Resolver) stage(b *cookie.Bridge, pair TokenPair) {
	opts := cookie.Options{
		Path:     "/",
		Domain:   r.cfg.Domain,
		MaxAge:   int(r.cfg.MaxAge / time.Second),
		HTTPOnly: true,
		Secure:   r.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	b.Stage(r.cfg.AccessCookie, pair.AccessToken, opts)
	if pair.RefreshToken != "" {
		b.Stage(r.cfg.RefreshCookie, pair.RefreshToken, opts)
	}
}

// failure は失敗の Outcome を生成する。
func failure(err *AuthError) Outcome {
	return Outcome{Err: err}
}
