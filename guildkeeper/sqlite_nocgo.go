//go:build !cgo

package guildkeeper

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// sqliteDialector uses the pure-Go driver for CGO_ENABLED=0 builds
func sqliteDialector(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}
