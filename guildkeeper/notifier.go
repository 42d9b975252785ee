package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelRuntimeConfig = "guildkeeper_reload_runtime_config"
	postgresNotifyChannelSweep         = "guildkeeper_sweep"
	postgresNotifyChannelStop          = "guildkeeper_stop"

	dbNotifierSendTimeout = 5 * time.Second
	notifierRetryDelay    = 5 * time.Second
)

// DBNotifier tells every bot instance sharing the database about changes
// made by one of them.
type DBNotifier interface {
	// ReloadRuntimeConfig asks bot instances to reload their runtime
	// configuration from the DB
	ReloadRuntimeConfig(ctx context.Context) bool

	// Sweep asks bot instances to run their background sweeps now
	Sweep(ctx context.Context) bool

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	// ID returns the identifier for this notifier, used to filter out
	// its own notifications.
	ID() string

	// Listen blocks, forwarding notifications until ctx is done
	Listen(ctx context.Context) error
}

// notifierSignals are the channels notifications are forwarded to
type notifierSignals struct {
	reloadRuntimeConfig chan<- bool
	sweep               chan<- struct{}
	stop                chan<- struct{}
}

func newDBNotifier(
	databaseType string,
	database string,
	db DBI,
	signals notifierSignals,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &localNotifier{logger: log, signals: signals, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:   log,
			signals:  signals,
			id:       notifyID,
			db:       db,
			database: database,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// forward sends v on ch, giving up after dbNotifierSendTimeout or when
// ctx is done
func forward[T any](ctx context.Context, ch chan<- T, v T) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(dbNotifierSendTimeout):
		return false
	}
}

// localNotifier delivers notifications in-process. With SQLite there's
// only ever one bot instance.
type localNotifier struct {
	logger  *slog.Logger
	signals notifierSignals
	id      string
}

func (n *localNotifier) ID() string {
	return n.id
}

func (n *localNotifier) Listen(ctx context.Context) error {
	n.logger.DebugContext(ctx, "local notifier has nothing to listen to")
	return nil
}

func (n *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "sending runtime config reload signal")
	if !forward(ctx, n.signals.reloadRuntimeConfig, true) {
		n.logger.WarnContext(ctx, "timeout sending runtime config reload signal")
		return false
	}
	return true
}

func (n *localNotifier) Sweep(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "sending sweep signal")
	if !forward(ctx, n.signals.sweep, struct{}{}) {
		n.logger.WarnContext(ctx, "timeout sending sweep signal")
		return false
	}
	return true
}

func (n *localNotifier) Stop(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "sending stop signal")
	if !forward(ctx, n.signals.stop, struct{}{}) {
		n.logger.WarnContext(ctx, "timeout sending stop signal")
		return false
	}
	return true
}

// postgresNotifier uses NOTIFY/LISTEN so that every instance connected to
// the database gets notifications. The payload is the sender's ID, and the
// sender signals itself directly instead of through LISTEN.
type postgresNotifier struct {
	logger   *slog.Logger
	signals  notifierSignals
	id       string
	db       DBI
	database string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.db.DB().WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, p.ID()).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

// ReloadRuntimeConfig notifies other instances, and reloads locally
func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelRuntimeConfig)
	forward(ctx, p.signals.reloadRuntimeConfig, true)
	return sent
}

// Sweep notifies other instances, and sweeps locally
func (p *postgresNotifier) Sweep(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelSweep)
	forward(ctx, p.signals.sweep, struct{}{})
	return sent
}

// Stop notifies every instance, this one included
func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelStop)
	forward(ctx, p.signals.stop, struct{}{})
	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	for ctx.Err() == nil {
		if err = p.listen(ctx, pool); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.ErrorContext(ctx, "listener failed, retrying", tint.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryDelay):
			}
		}
	}
	return nil
}

func (p *postgresNotifier) listen(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelRuntimeConfig,
		postgresNotifyChannelSweep,
		postgresNotifyChannelStop,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("error listening on %s: %w", channel, err)
		}
	}
	p.logger.InfoContext(ctx, "listening for notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		logger := p.logger.With("channel", notification.Channel)
		if notification.Payload == p.ID() {
			logger.DebugContext(ctx, "ignoring notification from self")
			continue
		}

		var ok bool
		switch notification.Channel {
		case postgresNotifyChannelRuntimeConfig:
			ok = forward(ctx, p.signals.reloadRuntimeConfig, true)
		case postgresNotifyChannelSweep:
			ok = forward(ctx, p.signals.sweep, struct{}{})
		case postgresNotifyChannelStop:
			ok = forward(ctx, p.signals.stop, struct{}{})
		default:
			logger.WarnContext(ctx, "received unknown notification")
			continue
		}
		if !ok {
			logger.WarnContext(ctx, "timed out forwarding notification")
		} else {
			logger.InfoContext(ctx, "forwarded notification", "payload", notification.Payload)
		}
	}
}
