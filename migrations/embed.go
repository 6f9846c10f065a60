// Package migrations embeds the SQL schema for each supported driver.
package migrations

import "embed"

//go:embed mysql/*.sql postgres/*.sql
var FS embed.FS
