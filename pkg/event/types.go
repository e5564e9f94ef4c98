// Package event は認証に関する監査イベントを表す。
//
// イベントは発生後に変更されない記録で、誰が（ActorID）どのセッションで
// 何をしたか（Type）を残す。イベント固有の情報は Data にJSONで保持する。
package event

import (
	"encoding/json"
	"time"
)

// Type は監査イベントの種類を表す。
type Type string

const (
	// TypeUserSignedUp はユーザーが登録されたことを表す。
	TypeUserSignedUp Type = "user_signedup"
	// TypeLogin はセッションが開始されたことを表す。
	TypeLogin Type = "login"
	// TypeTokenRefreshed はリフレッシュトークンがローテーションされたことを表す。
	TypeTokenRefreshed Type = "token_refreshed"
	// TypeTokenRevoked はセッションが強制的に失効されたことを表す。
	TypeTokenRevoked Type = "token_revoked"
	// TypeLogout はユーザーがログアウトしたことを表す。
	TypeLogout Type = "logout"
)

// Event は不変の監査イベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// ActorID は操作したユーザーのID。
	ActorID string `json:"actor_id"`
	// SessionID は対象セッションのID。セッションに関係しない場合は空。
	SessionID string `json:"session_id,omitempty"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// RemoteAddr は要求元のIPアドレス。
	RemoteAddr string `json:"remote_addr"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// LoginData はLoginイベントのデータ。
type LoginData struct {
	// Method はログイン方法（"password" または "signup"）。
	Method string `json:"method"`
}

// TokenRefreshedData はTokenRefreshedイベントのデータ。
type TokenRefreshedData struct {
	// Rotations はセッション開始からのローテーション回数。
	Rotations int `json:"rotations"`
}

// TokenRevokedData はTokenRevokedイベントのデータ。
type TokenRevokedData struct {
	// Reason は失効の理由。
	Reason string `json:"reason"`
}
