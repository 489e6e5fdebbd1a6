// Package migrations embeds the versioned schema so binaries and tests can
// migrate without a checkout of the SQL files.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
