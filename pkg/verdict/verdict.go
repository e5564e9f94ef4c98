// Package verdict はルート分類とセッション解決結果からルーティング判定を下す。
//
// Decide は副作用のない全域関数であり、認証プロバイダーへの再問い合わせは行わない。
package verdict

import (
	"fmt"
	"net/url"

	"github.com/nao1215/pactgate/pkg/cookie"
	"github.com/nao1215/pactgate/pkg/route"
	"github.com/nao1215/pactgate/pkg/session"
)

// Kind は判定の種類。
type Kind int

const (
	// Continue はリクエストをそのまま通過させる。
	Continue Kind = iota + 1
	// Redirect は別のパスへリダイレクトする。
	Redirect
	// ContinueWithCookies はリクエストを通過させ、レスポンスにCookie変更を適用する。
	ContinueWithCookies
)

// String はログ・メトリクス用のラベルを返す。
func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Redirect:
		return "redirect"
	case ContinueWithCookies:
		return "continue_with_cookies"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RedirectParam はログイン後の戻り先を運ぶクエリパラメータ名。
const RedirectParam = "redirect"

// Verdict は1リクエストにつき1つだけ生成されるルーティング判定。
type Verdict struct {
	// Kind は判定の種類。
	Kind Kind
	// Target はリダイレクト先のパス。Redirect の場合のみ設定される。
	Target string
	// Query はリダイレクト先に設定するクエリ。
	Query url.Values
	// Mutations はレスポンスへ適用するCookie変更。
	Mutations []cookie.Mutation
}

// Location は Location ヘッダーに設定する値を返す。
func (v Verdict) Location() string {
	if len(v.Query) == 0 {
		return v.Target
	}
	return v.Target + "?" + v.Query.Encode()
}

// Decide はルート分類・セッション解決結果・リクエストパスから判定を下す。
//
// 保護ルートでプリンシパルがない場合は、元のパスを redirect パラメータに載せて
// ログインページへリダイレクトする。ログイン済みでログインページを開いた場合は
// ダッシュボードへリダイレクトする。この特例は完全一致のログインパスにだけ適用する。
func Decide(category route.Category, outcome session.Outcome, path string) Verdict {
	if category == route.StaticAsset || outcome.OpenMode {
		return Verdict{Kind: Continue}
	}

	switch category {
	case route.PublicExact, route.PublicPrefix:
		if category == route.PublicExact && path == route.LoginPath && outcome.Authenticated() {
			return Verdict{Kind: Redirect, Target: route.DashboardPath, Mutations: outcome.Mutations}
		}
		return continueWith(outcome.Mutations)
	case route.Protected:
		if outcome.Authenticated() {
			return Verdict{Kind: ContinueWithCookies, Mutations: outcome.Mutations}
		}
		return Verdict{
			Kind:   Redirect,
			Target: route.LoginPath,
			Query:  url.Values{RedirectParam: []string{path}},
		}
	default:
		panic(fmt.Sprintf("verdict: 未知のルート分類 %v", category))
	}
}

// continueWith はCookie変更の有無に応じて通過の判定を返す。
func continueWith(muts []cookie.Mutation) Verdict {
	if len(muts) == 0 {
		return Verdict{Kind: Continue}
	}
	return Verdict{Kind: ContinueWithCookies, Mutations: muts}
}
