// Package migrations embeds the goose SQL files that create the
// profiles/defaults tables pkg/policystore reads and writes.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
