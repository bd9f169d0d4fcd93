//go:build libsql

package db

import (
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

// libsql:// DSNs (Turso-hosted or sqld) go through go-libsql, which needs cgo.
func init() {
	openers["libsql"] = func(dsn string) (*sql.DB, error) {
		return sql.Open("libsql", dsn)
	}
}
