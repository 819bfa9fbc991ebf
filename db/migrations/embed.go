// Package dbmigrations exposes embedded SQL migrations for liqhunter binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into liqhunter binaries.
//
//go:embed *.sql
var Files embed.FS
