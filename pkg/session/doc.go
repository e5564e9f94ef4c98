// Package session はリモートの認証プロバイダーを使って呼び出し元のセッションを解決する。
//
// Resolver は1リクエストにつき認証プロバイダーを最大1回だけ呼び出し、
// 資格情報の検証と期限間近のトークン更新を同じ呼び出しで行う。更新された
// トークンは cookie.Bridge にステージされ、検証に失敗した場合は何もステージしない。
//
// 失敗の種別（資格情報なし、形式不正、更新不可、失効、プロバイダー障害）は
// ログとメトリクスのために保持するが、ルーティング上はすべて「プリンシパルなし」として扱う。
package session
