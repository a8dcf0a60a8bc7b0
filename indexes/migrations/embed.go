// Package migrations embeds the SQL migration files for index side stores.
package migrations

import "embed"

//go:embed sidestore/*.sql
var SideStoreFS embed.FS
