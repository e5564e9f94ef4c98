// Package cookie は受信リクエストのCookieと送信レスポンスのCookieを橋渡しする。
//
// Bridge は受信Cookieの読み取りと、レスポンスへ適用するCookie変更の
// 順序付きバッファを1リクエスト分だけ保持する。ネットワークやストレージには
// アクセスしない。バッファは Materialize で一度だけ取り出す。
package cookie
