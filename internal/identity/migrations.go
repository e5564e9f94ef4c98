package identity

import "embed"

// migrationsFS はスキーマのマイグレーションファイル。
//
//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// migrationsDir は migrationsFS 内のマイグレーションディレクトリ。
const migrationsDir = "migrations"
