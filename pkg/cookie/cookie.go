package cookie

import (
	"net/http"
	"slices"
	"time"
)

// Options はCookieの属性。
type Options struct {
	// Path はCookieのパス属性。空の場合は "/" を使う。
	Path string
	// Domain はCookieのドメイン属性。
	Domain string
	// MaxAge は秒単位の有効期間。負の値は即時削除を表す。
	MaxAge int
	// Expires は有効期限。ゼロ値の場合は送出しない。
	Expires time.Time
	// HTTPOnly はJavaScriptからの参照を禁止する。
	HTTPOnly bool
	// Secure はHTTPS接続でのみ送信させる。
	Secure bool
	// SameSite はクロスサイト送信の制御。
	SameSite http.SameSite
}

// Mutation はレスポンスへ適用する1件のCookie変更。
type Mutation struct {
	// Name はCookie名。
	Name string
	// Value はCookieの値。削除の場合は空文字列。
	Value string
	// Options はCookieの属性。
	Options Options
}

// IsClear は変更がCookieの削除であるかを返す。
func (m Mutation) IsClear() bool {
	return m.Options.MaxAge < 0
}

// HTTPCookie は変更を Set-Cookie 用の http.Cookie に変換する。
func (m Mutation) HTTPCookie() *http.Cookie {
	path := m.Options.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     m.Name,
		Value:    m.Value,
		Path:     path,
		Domain:   m.Options.Domain,
		MaxAge:   m.Options.MaxAge,
		Expires:  m.Options.Expires,
		HttpOnly: m.Options.HTTPOnly,
		Secure:   m.Options.Secure,
		SameSite: m.Options.SameSite,
	}
}

// Bridge は1リクエスト分の受信Cookieと、ステージされたCookie変更を保持する。
// 並行利用は想定しない。
type Bridge struct {
	inbound []*http.Cookie
	staged  []Mutation
}

// NewBridge は受信Cookieを元に Bridge を生成する。
func NewBridge(inbound []*http.Cookie) *Bridge {
	return &Bridge{inbound: slices.Clone(inbound)}
}

// Read は受信Cookieから値を読み取る。同名のCookieが複数ある場合は最初のものを返す。
// ステージ済みの変更は読み取り結果に影響しない。
func (b *Bridge) Read(name string) (string, bool) {
	for _, c := range b.inbound {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Stage はCookieの設定をバッファに追加する。
func (b *Bridge) Stage(name, value string, opts Options) {
	b.staged = append(b.staged, Mutation{Name: name, Value: value, Options: opts})
}

// Clear はCookieの削除をバッファに追加する。
func (b *Bridge) Clear(name string, opts Options) {
	opts.MaxAge = -1
	opts.Expires = time.Unix(0, 0)
	b.staged = append(b.staged, Mutation{Name: name, Options: opts})
}

// Pending はまだ取り出されていない変更の件数を返す。
func (b *Bridge) Pending() int {
	return len(b.staged)
}

// Materialize はバッファを取り出して空にする。
// 同名の変更は最後の書き込みだけを残し、各名前の最後の書き込み位置の順に並べる。
func (b *Bridge) Materialize() []Mutation {
	staged := b.staged
	b.staged = nil
	return collapse(staged)
}

// collapse は名前ごとに最後の変更だけを残す。
func collapse(muts []Mutation) []Mutation {
	if len(muts) == 0 {
		return nil
	}
	last := make(map[string]int, len(muts))
	for i, m := range muts {
		last[m.Name] = i
	}
	out := make([]Mutation, 0, len(last))
	for i, m := range muts {
		if last[m.Name] == i {
			out = append(out, m)
		}
	}
	return out
}

// Write は変更を Set-Cookie ヘッダーとして順に書き込む。
// レスポンスボディの書き込み前に呼び出す必要がある。
func Write(w http.ResponseWriter, muts []Mutation) {
	for _, m := range muts {
		http.SetCookie(w, m.HTTPCookie())
	}
}
