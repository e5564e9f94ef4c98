// Package middleware はGinベースのHTTPサーバーで使用する共通ミドルウェアを提供する。
//
// 全リクエストの入口でルート分類・セッション解決・ルーティング判定を行う
// ゲートキーパー、リクエストID付与、パニックリカバリ、CORS設定を含む。
package middleware
