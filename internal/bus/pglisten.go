package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Channel is the NOTIFY channel row-change triggers publish on.
const Channel = "tradehub_changes"

// PGFeed relays row changes from PostgreSQL LISTEN/NOTIFY into the hub.
// It lets externally-written rows (support tooling, migrations, another
// instance) reach connected clients without an in-process publish.
type PGFeed struct {
	hub      *Hub
	listener *pq.Listener
	dedupe   *Deduper
	logger   *slog.Logger
}

// NewPGFeed creates a change-feed relay. dsn is the postgres connection
// string the listener dials independently of the main pool.
func NewPGFeed(dsn string, hub *Hub, logger *slog.Logger) *PGFeed {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("pg listener event", "event", ev, "error", err)
		}
	})
	return &PGFeed{
		hub:      hub,
		listener: listener,
		dedupe:   NewDeduper(4096),
		logger:   logger,
	}
}

// Run listens until the context is cancelled. Call in a goroutine.
func (f *PGFeed) Run(ctx context.Context) error {
	if err := f.listener.Listen(Channel); err != nil {
		return err
	}
	defer func() { _ = f.listener.Close() }()
	f.logger.Info("change feed listening", "channel", Channel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-f.listener.Notify:
			if n == nil {
				// Reconnect; redeliveries may follow, the deduper absorbs them.
				continue
			}
			f.relay([]byte(n.Extra))

		case <-ping.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn("change feed ping failed", "error", err)
			}
		}
	}
}

func (f *PGFeed) relay(payload []byte) {
	change, err := UnmarshalChange(payload)
	if err != nil {
		f.logger.Warn("malformed change payload", "error", err)
		return
	}

	kind, tradeID, userID, ok := Translate(change)
	if !ok {
		return
	}
	if f.dedupe.Seen(change.Key()) {
		return
	}

	f.hub.Publish(kind, tradeID, userID, change.Record)
}
