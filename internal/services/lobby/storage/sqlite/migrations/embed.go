// Package migrations contains the embedded SQL schema history for the
// lobby database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
