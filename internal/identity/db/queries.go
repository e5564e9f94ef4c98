package identitydb

import (
	"context"
)

const createUser = `INSERT INTO users (id, email, password_hash, role) VALUES (?, ?, ?, ?)`

// CreateUserParams は CreateUser の引数。
type CreateUserParams struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
}

// CreateUser はユーザーを登録する。
func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) error {
	_, err := q.db.ExecContext(ctx, createUser, arg.ID, arg.Email, arg.PasswordHash, arg.Role)
	return err
}

const getUserByEmail = `SELECT id, email, password_hash, role, created_at, last_sign_in_at FROM users WHERE email = ?`

// GetUserByEmail はメールアドレスでユーザーを取得する。
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByEmail, email)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.LastSignInAt)
	return u, err
}

const getUserByID = `SELECT id, email, password_hash, role, created_at, last_sign_in_at FROM users WHERE id = ?`

// GetUserByID はIDでユーザーを取得する。
func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	row := q.db.QueryRowContext(ctx, getUserByID, id)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.LastSignInAt)
	return u, err
}

const updateLastSignIn = `UPDATE users SET last_sign_in_at = datetime('now') WHERE id = ?`

// UpdateLastSignIn は最終ログイン日時を更新する。
func (q *Queries) UpdateLastSignIn(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, updateLastSignIn, id)
	return err
}

const createSession = `INSERT INTO sessions (id, user_id) VALUES (?, ?)`

// CreateSession はセッションを作成する。
func (q *Queries) CreateSession(ctx context.Context, id, userID string) error {
	_, err := q.db.ExecContext(ctx, createSession, id, userID)
	return err
}

const getSession = `SELECT id, user_id, created_at, revoked_at FROM sessions WHERE id = ?`

// GetSession はセッションを取得する。
func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, getSession, id)
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.RevokedAt)
	return s, err
}

const revokeSession = `UPDATE sessions SET revoked_at = datetime('now') WHERE id = ? AND revoked_at IS NULL`

// RevokeSession はセッションを失効させる。
func (q *Queries) RevokeSession(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, revokeSession, id)
	return err
}

const createRefreshToken = `INSERT INTO refresh_tokens (token, session_id, user_id) VALUES (?, ?, ?)`

// CreateRefreshTokenParams は CreateRefreshToken の引数。
type CreateRefreshTokenParams struct {
	Token     string
	SessionID string
	UserID    string
}

// CreateRefreshToken はリフレッシュトークンを保存する。
func (q *Queries) CreateRefreshToken(ctx context.Context, arg CreateRefreshTokenParams) error {
	_, err := q.db.ExecContext(ctx, createRefreshToken, arg.Token, arg.SessionID, arg.UserID)
	return err
}

const getRefreshToken = `SELECT token, session_id, user_id, revoked, revoked_at, created_at FROM refresh_tokens WHERE token = ?`

// GetRefreshToken はリフレッシュトークンを取得する。
func (q *Queries) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	row := q.db.QueryRowContext(ctx, getRefreshToken, token)
	var r RefreshToken
	err := row.Scan(&r.Token, &r.SessionID, &r.UserID, &r.Revoked, &r.RevokedAt, &r.CreatedAt)
	return r, err
}

const getActiveRefreshToken = `SELECT token, session_id, user_id, revoked, revoked_at, created_at FROM refresh_tokens
WHERE session_id = ? AND revoked = 0
ORDER BY created_at DESC, rowid DESC
LIMIT 1`

// GetActiveRefreshToken はセッションの未使用のリフレッシュトークンのうち最新のものを取得する。
func (q *Queries) GetActiveRefreshToken(ctx context.Context, sessionID string) (RefreshToken, error) {
	row := q.db.QueryRowContext(ctx, getActiveRefreshToken, sessionID)
	var r RefreshToken
	err := row.Scan(&r.Token, &r.SessionID, &r.UserID, &r.Revoked, &r.RevokedAt, &r.CreatedAt)
	return r, err
}

const revokeRefreshToken = `UPDATE refresh_tokens SET revoked = 1, revoked_at = datetime('now') WHERE token = ? AND revoked = 0`

// RevokeRefreshToken は未使用のリフレッシュトークンを使用済みにし、更新した行数を返す。
func (q *Queries) RevokeRefreshToken(ctx context.Context, token string) (int64, error) {
	res, err := q.db.ExecContext(ctx, revokeRefreshToken, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const revokeSessionRefreshTokens = `UPDATE refresh_tokens SET revoked = 1, revoked_at = datetime('now') WHERE session_id = ? AND revoked = 0`

// RevokeSessionRefreshTokens はセッションに属するリフレッシュトークンを全て失効させる。
func (q *Queries) RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error {
	_, err := q.db.ExecContext(ctx, revokeSessionRefreshTokens, sessionID)
	return err
}

const countSessionRefreshTokens = `SELECT COUNT(*) FROM refresh_tokens WHERE session_id = ?`

// CountSessionRefreshTokens はセッションで発行したリフレッシュトークンの数を返す。
func (q *Queries) CountSessionRefreshTokens(ctx context.Context, sessionID string) (int64, error) {
	row := q.db.QueryRowContext(ctx, countSessionRefreshTokens, sessionID)
	var n int64
	err := row.Scan(&n)
	return n, err
}

const createAuditEvent = `INSERT INTO audit_events (id, actor_id, session_id, type, data, remote_addr, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

// CreateAuditEvent は監査イベントを追記する。
func (q *Queries) CreateAuditEvent(ctx context.Context, arg AuditEvent) error {
	_, err := q.db.ExecContext(ctx, createAuditEvent,
		arg.ID, arg.ActorID, arg.SessionID, arg.Type, arg.Data, arg.RemoteAddr, arg.CreatedAt)
	return err
}

const listAuditEventsByActor = `SELECT id, actor_id, session_id, type, data, remote_addr, created_at
FROM audit_events WHERE actor_id = ? ORDER BY created_at, rowid LIMIT ?`

// ListAuditEventsByActor はユーザーの監査イベントを古い順に返す。
func (q *Queries) ListAuditEventsByActor(ctx context.Context, actorID string, limit int) ([]AuditEvent, error) {
	rows, err := q.db.QueryContext(ctx, listAuditEventsByActor, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.ActorID, &e.SessionID, &e.Type, &e.Data, &e.RemoteAddr, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
