// Package migrations embeds the correspondence schema.
package migrations

import "embed"

// FS holds the numbered up/down SQL files at its root.
//
//go:embed *.sql
var FS embed.FS
