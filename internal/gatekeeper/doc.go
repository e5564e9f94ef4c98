// Package gatekeeper はゲートキーパーのHTTPサーバーを実装する。
//
// /healthz と /metrics 以外の全てのリクエストはゲートキーパーのミドルウェアで
// 判定され、通過したものだけが転送先アプリケーションへプロキシされる。
// セッション更新で発行したCookieは転送先からの応答に追加して返す。
package gatekeeper
