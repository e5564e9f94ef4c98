// Package identity は開発用の認証プロバイダーを実装する。
//
// ゲートキーパーが話すものと同じHTTP APIを提供する。
//
//   - POST /auth/v1/signup: ユーザー登録とセッション発行
//   - POST /auth/v1/token?grant_type=password: パスワードでのログイン
//   - POST /auth/v1/token?grant_type=refresh_token: トークンの組の更新（ローテーション）
//   - GET  /auth/v1/user: アクセストークンの検証
//   - POST /auth/v1/logout: セッションの失効
//   - GET  /auth/v1/audit: 呼び出し元ユーザーの監査イベント
//
// 全てのAPIは apikey ヘッダーを要求する。登録・ログイン・更新・失効は
// 監査イベントとして同じトランザクションで記録する。データはSQLiteに保存し、スキーマは
// 埋め込んだマイグレーションで管理する。ローカル開発とE2Eテスト専用であり、
// 本番環境での利用は想定していない。
package identity
