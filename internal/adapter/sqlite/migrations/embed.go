// Package migrations embeds the sync metadata schema migrations.
package migrations

import "embed"

// Files holds the ordered *.up.sql and *.down.sql migrations.
//
//go:embed *.sql
var Files embed.FS
