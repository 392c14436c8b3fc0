package migrations

import "embed"

// FS contains embedded SQLite migrations for relay storage.
//
//go:embed *.sql
var FS embed.FS
