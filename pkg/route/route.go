package route

import (
	"fmt"
	"slices"
	"strings"
)

// Category はルートの分類。
type Category int

const (
	// StaticAsset は認証解決を行わない静的アセット。
	StaticAsset Category = iota + 1
	// PublicExact は認証不要の完全一致ルート。
	PublicExact
	// PublicPrefix は認証不要の前方一致ルート。
	PublicPrefix
	// Protected は認証済みプリンシパルを必要とするルート。
	Protected
)

// String はログ・メトリクス用のラベルを返す。
func (c Category) String() string {
	switch c {
	case StaticAsset:
		return "static_asset"
	case PublicExact:
		return "public_exact"
	case PublicPrefix:
		return "public_prefix"
	case Protected:
		return "protected"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

const (
	// LoginPath はログインページのパス。
	LoginPath = "/login"
	// DashboardPath は認証済みユーザーの既定の遷移先。
	DashboardPath = "/dashboard"
)

// Table はルート分類に使う列挙済みのパス集合。
// 運用者は Extend で公開ルートを追加できるが、判定順序は変えられない。
type Table struct {
	// AssetPrefixes はフレームワーク内部アセットの予約済みプレフィックス。
	AssetPrefixes []string
	// AssetFiles は完全一致で静的アセットとみなすパス（favicon等）。
	AssetFiles []string
	// AssetExtensions は静的アセットとみなす拡張子。大文字小文字を区別する。
	AssetExtensions []string
	// Exact は認証不要の完全一致ルート。
	Exact []string
	// Prefixes は認証不要の前方一致ルート。
	Prefixes []string
}

// DefaultTable はアプリケーション既定のルート表を返す。
func DefaultTable() Table {
	return Table{
		AssetPrefixes: []string{"/_next/"},
		AssetFiles:    []string{"/favicon.ico"},
		AssetExtensions: []string{
			".svg", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".avif",
			".woff", ".woff2", ".ttf", ".otf", ".eot",
			".css", ".js", ".mjs", ".map",
		},
		Exact: []string{
			"/",
			LoginPath,
			"/create",
			"/demo",
			"/privacy",
			"/terms",
			"/verify",
		},
		Prefixes: []string{
			"/d/",    // 共有リンク
			"/auth/", // 認証コールバック
			"/api/",  // プログラムからのAPIアクセス
		},
	}
}

// Extend は公開ルートを追加した新しい Table を返す。元の Table は変更しない。
// 空文字列と重複は無視する。
func (t Table) Extend(exact, prefixes []string) Table {
	out := Table{
		AssetPrefixes:   slices.Clone(t.AssetPrefixes),
		AssetFiles:      slices.Clone(t.AssetFiles),
		AssetExtensions: slices.Clone(t.AssetExtensions),
		Exact:           slices.Clone(t.Exact),
		Prefixes:        slices.Clone(t.Prefixes),
	}
	for _, p := range exact {
		if p != "" && !slices.Contains(out.Exact, p) {
			out.Exact = append(out.Exact, p)
		}
	}
	for _, p := range prefixes {
		if p != "" && !slices.Contains(out.Prefixes, p) {
			out.Prefixes = append(out.Prefixes, p)
		}
	}
	return out
}

// Classify はパスを分類する。
// 静的アセット、公開完全一致、公開前方一致の順に判定し、いずれにも該当しなければ Protected を返す。
func (t Table) Classify(path string) Category {
	if t.isStaticAsset(path) {
		return StaticAsset
	}
	if slices.Contains(t.Exact, path) {
		return PublicExact
	}
	for _, p := range t.Prefixes {
		if strings.HasPrefix(path, p) {
			return PublicPrefix
		}
	}
	return Protected
}

// Classify は DefaultTable でパスを分類する。
func Classify(path string) Category {
	return defaultTable.Classify(path)
}

var defaultTable = DefaultTable()

func (t Table) isStaticAsset(path string) bool {
	for _, p := range t.AssetPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	if slices.Contains(t.AssetFiles, path) {
		return true
	}
	for _, ext := range t.AssetExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
