package identitydb

import (
	"database/sql"
	"time"
)

// User は登録済みユーザー。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastSignInAt sql.NullTime
}

// Session はログインごとに作られるセッション。
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	RevokedAt sql.NullTime
}

// RefreshToken はセッションに紐づくリフレッシュトークン。
type RefreshToken struct {
	Token     string
	SessionID string
	UserID    string
	Revoked   bool
	RevokedAt sql.NullTime
	CreatedAt time.Time
}

// AuditEvent は監査イベント。
type AuditEvent struct {
	ID         string
	ActorID    string
	SessionID  string
	Type       string
	Data       string
	RemoteAddr string
	CreatedAt  time.Time
}
