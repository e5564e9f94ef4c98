// Package httpclient は外部サービスとJSONでやり取りするHTTPクライアントを提供する。
//
// ゲートキーパーが認証プロバイダーを呼び出す際に使用する。2xx以外の応答は
// *StatusError として返し、呼び出し側がステータスコードで失敗を分類できるようにする。
package httpclient
