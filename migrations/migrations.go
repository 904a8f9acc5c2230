// Package migrations embeds the schema files so the migrator binary
// carries its own schema and needs no directory mounted at runtime.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
