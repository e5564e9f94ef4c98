// Package route はリクエストパスをゲートキーパーのルート分類に写像する。
//
// 分類は副作用を持たない純粋関数であり、静的アセット・公開（完全一致）・
// 公開（前方一致）・保護の4種類のいずれかを返す。判定順序は固定であり、
// 公開前方一致の配下にあるパスは保護ルートに見えても公開として扱われる。
package route
