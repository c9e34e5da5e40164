package migrations

import "embed"

// FS contains embedded SQLite migrations for live storage.
//
//go:embed *.sql
var FS embed.FS
