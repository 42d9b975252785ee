package guildkeeper

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// Store is the repository layer over the bot's database. Reads go
// straight to the gorm connection, writes go through [DBI] so they are
// serialized on SQLite.
type Store struct {
	db     DBI
	logger *slog.Logger

	// now is the clock used for every persisted timestamp, and for
	// due/expiry comparisons.
	now func() time.Time
}

func NewStore(db DBI, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(loggerNameKey, "store"),
		now:    time.Now,
	}
}

// reader returns a read-only session bound to ctx
func (s *Store) reader(ctx context.Context) *gorm.DB {
	return s.db.DB().WithContext(ctx)
}

// nowMillis returns the current time as UTC Unix milliseconds
func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

// DBI exposes the write handle, for collaborators that need raw access
func (s *Store) DBI() DBI {
	return s.db
}
