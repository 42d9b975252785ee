package guildkeeper

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var (
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
)

// DBLogLevel stores a slog level name in a [RuntimeConfig] column.
type DBLogLevel string

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.parseLevel(string(v))
	case string:
		return l.parseLevel(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.parseLevel(levelString)
}

func (l DBLogLevel) String() string {
	return string(l)
}

func (l *DBLogLevel) parseLevel(s string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return fmt.Errorf("unknown log level: %s", s)
	}
	switch level {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
		*l = DBLogLevel(level.String())
		return nil
	default:
		return fmt.Errorf("unknown log level: %s", s)
	}
}

// Level returns the underlying slog.Level value, or slog.LevelInfo if
// the stored value isn't a known level.
func (l DBLogLevel) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(string(l)))); err != nil {
		slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
		return slog.LevelInfo
	}
	return level
}

// gormStructuredLogger routes gorm's logging through slog
type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		handler:       handler,
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op, the level is controlled by the slog handler.
func (g *gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g *gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g *gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	s, rowsAffected := fc()
	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		g.logger.DebugContext(
			ctx,
			"sql error",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
			tint.Err(err),
		)
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold:
		g.logger.WarnContext(
			ctx,
			"slow sql",
			"elapsed", elapsed,
			"threshold", g.SlowThreshold,
			"rows", rows,
			"sql", s,
		)
	default:
		g.logger.DebugContext(
			ctx,
			"sql completed",
			"elapsed", elapsed,
			"rows", rows,
			"sql", s,
		)
	}
}
