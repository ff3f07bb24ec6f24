// Package migrations carries the SQL schema as embedded files so the
// binary migrates its own database at startup.
package migrations

import "embed"

// Files holds the numbered migrations. The repo applies them in filename
// order and records each one in schema_migrations.
//
//go:embed *.sql
var Files embed.FS
