package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

var ErrPayloadTooLarge = errors.New("bridge: event too large for postgres notify")

// PostgresBus carries events over Postgres LISTEN/NOTIFY, shared by
// every server process connected to the same database.
type PostgresBus struct {
	dsn    string
	db     *sql.DB
	logger *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
}

func NewPostgresBus(dsn string, logger *slog.Logger) (*PostgresBus, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("bridge: empty postgres dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres bus: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBus{
		dsn:          dsn,
		db:           db,
		logger:       logger.With("component", "bridge"),
		minReconnect: 100 * time.Millisecond,
		maxReconnect: 10 * time.Second,
	}, nil
}

func (b *PostgresBus) Publish(ctx context.Context, channel string, message []byte) error {
	if len(message) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(message))
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(message)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

func (b *PostgresBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	listener := pq.NewListener(b.dsn, b.minReconnect, b.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			b.logger.Warn("bus listener connection lost", "channel", channel, "error", err)
		case pq.ListenerEventReconnected:
			// Anything published while disconnected is gone.
			b.logger.Info("bus listener reconnected", "channel", channel)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil signals a reconnect.
				if n == nil {
					continue
				}
				select {
				case out <- []byte(n.Extra):
				default:
					b.logger.Warn("bus subscriber behind, dropping event", "channel", channel)
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return out, nil
}

func (b *PostgresBus) Close() error {
	return b.db.Close()
}
