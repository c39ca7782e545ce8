// Package migrations 内嵌失败消息存储的表结构。
package migrations

import "embed"

// FS 包含内嵌的 SQL 迁移文件。
//
//go:embed *.sql
var FS embed.FS
