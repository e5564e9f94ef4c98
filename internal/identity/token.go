package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// issuer はアクセストークンの iss クレーム。
	issuer = "pactgate-identity"
	// defaultAccessTokenTTL はアクセストークンの有効期間の既定値。
	defaultAccessTokenTTL = time.Hour
)

// ErrInvalidToken はアクセストークンが無効な場合に返される。
var ErrInvalidToken = errors.New("アクセストークンが無効です")

// Claims はアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// SessionID はトークンを発行したセッションのID。
	SessionID string `json:"session_id"`
}

// tokenIssuer はHS256でアクセストークンを署名・検証する。
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}
	return &tokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue はユーザーとセッションのアクセストークンを生成し、有効期限とともに返す。
func (i *tokenIssuer) Issue(userID, email, role, sessionID string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl).Truncate(time.Second)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Email:     email,
		Role:      role,
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, expires, nil
}

// Verify はアクセストークンの署名と有効期限を検証してクレームを返す。
func (i *tokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// newRefreshToken は推測できない不透明なリフレッシュトークンを生成する。
func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("リフレッシュトークンの生成に失敗: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
