// Package migrations contains embedded SQL migrations for the SQLite log.
package migrations

import "embed"

//go:embed log/*.sql
var LogFS embed.FS
