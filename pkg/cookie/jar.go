package cookie

import (
	"net/http"
	"strings"
)

// Jar は名前をキーとしたCookie集合。変更の再生先として使う。
// 同じ変更列を何度再生しても結果は同じになる。
type Jar struct {
	order  []string
	values map[string]string
}

// NewJar は初期Cookieを持つ Jar を生成する。同名のCookieは最初のものを採用する。
func NewJar(cookies []*http.Cookie) *Jar {
	j := &Jar{values: make(map[string]string, len(cookies))}
	for _, c := range cookies {
		if _, ok := j.values[c.Name]; ok {
			continue
		}
		j.order = append(j.order, c.Name)
		j.values[c.Name] = c.Value
	}
	return j
}

// Apply は変更を順に適用する。名前ごとに最後の書き込みが勝つ。
func (j *Jar) Apply(muts ...Mutation) {
	for _, m := range muts {
		if m.IsClear() {
			j.remove(m.Name)
			continue
		}
		if _, ok := j.values[m.Name]; !ok {
			j.order = append(j.order, m.Name)
		}
		j.values[m.Name] = m.Value
	}
}

func (j *Jar) remove(name string) {
	if _, ok := j.values[name]; !ok {
		return
	}
	delete(j.values, name)
	for i, n := range j.order {
		if n == name {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

// Get はCookieの値を返す。
func (j *Jar) Get(name string) (string, bool) {
	v, ok := j.values[name]
	return v, ok
}

// Len はCookieの件数を返す。
func (j *Jar) Len() int {
	return len(j.order)
}

// Header は Cookie リクエストヘッダーの値を返す。
func (j *Jar) Header() string {
	parts := make([]string, 0, len(j.order))
	for _, name := range j.order {
		parts = append(parts, (&http.Cookie{Name: name, Value: j.values[name]}).String())
	}
	return strings.Join(parts, "; ")
}

// RewriteRequest は変更を適用した後のCookieでリクエストの Cookie ヘッダーを置き換える。
// 後続のハンドラが更新後の資格情報を参照できるようにするために使う。
func RewriteRequest(r *http.Request, muts []Mutation) {
	if len(muts) == 0 {
		return
	}
	jar := NewJar(r.Cookies())
	jar.Apply(muts...)
	r.Header.Del("Cookie")
	if h := jar.Header(); h != "" {
		r.Header.Set("Cookie", h)
	}
}
