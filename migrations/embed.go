// Package migrations holds the schema for messages and ingest cursors.
// Files follow golang-migrate naming: NNNN_name.up.sql / NNNN_name.down.sql.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
