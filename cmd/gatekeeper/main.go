// ゲートキーパーのエントリポイント。
// ブラウザからの全てのリクエストを受け、セッションを検証してから
// 転送先アプリケーションへプロキシする。
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
