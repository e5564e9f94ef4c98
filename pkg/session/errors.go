package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind は認証失敗の種別。
type ErrorKind int

const (
	// NoCredential は資格情報が提示されていないことを表す。
	NoCredential ErrorKind = iota + 1
	// MalformedCredential は資格情報の形式が不正であることを表す。
	MalformedCredential
	// ExpiredNoRefresh はアクセストークンが期限切れで、有効なリフレッシュトークンがないことを表す。
	ExpiredNoRefresh
	// RevokedOrInvalid は資格情報が失効しているか無効であることを表す。
	RevokedOrInvalid
	// ProviderUnavailable は認証プロバイダーに到達できないことを表す。
	ProviderUnavailable
)

// String はログ・メトリクス用のラベルを返す。
func (k ErrorKind) String() string {
	switch k {
	case NoCredential:
		return "no_credential"
	case MalformedCredential:
		return "malformed_credential"
	case ExpiredNoRefresh:
		return "expired_no_refresh"
	case RevokedOrInvalid:
		return "revoked_or_invalid"
	case ProviderUnavailable:
		return "provider_unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// 種別ごとの番兵エラー。Provider の実装はこれらをラップして返す。
var (
	ErrNoCredential        = errors.New("資格情報がありません")
	ErrMalformedCredential = errors.New("資格情報の形式が不正です")
	ErrExpiredNoRefresh    = errors.New("資格情報の有効期限が切れており更新できません")
	ErrRevokedOrInvalid    = errors.New("資格情報が失効しているか無効です")
	ErrProviderUnavailable = errors.New("認証プロバイダーに到達できません")
)

// sentinel は種別に対応する番兵エラーを返す。
func (k ErrorKind) sentinel() error {
	switch k {
	case NoCredential:
		return ErrNoCredential
	case MalformedCredential:
		return ErrMalformedCredential
	case ExpiredNoRefresh:
		return ErrExpiredNoRefresh
	case ProviderUnavailable:
		return ErrProviderUnavailable
	default:
		return ErrRevokedOrInvalid
	}
}

// AuthError はセッション解決の失敗を表す。
type AuthError struct {
	// Kind は失敗の種別。
	Kind ErrorKind
	// Err は元となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap は元となったエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is は種別に対応する番兵エラーとの比較を可能にする。
func (e *AuthError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// newAuthError は err を分類して AuthError を生成する。
func newAuthError(err error) *AuthError {
	return &AuthError{Kind: KindOf(err), Err: err}
}

// KindOf はエラーを種別に分類する。
// タイムアウトとキャンセルはプロバイダー障害、分類できないエラーは失効・無効として扱う。
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr):
		return authErr.Kind
	case errors.Is(err, ErrNoCredential):
		return NoCredential
	case errors.Is(err, ErrMalformedCredential):
		return MalformedCredential
	case errors.Is(err, ErrExpiredNoRefresh):
		return ExpiredNoRefresh
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ProviderUnavailable
	default:
		return RevokedOrInvalid
	}
}
