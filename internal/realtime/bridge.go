package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotifyChannel is the Postgres channel the row_changes trigger notifies on.
const NotifyChannel = "row_changes"

// Bridge listens for row change notifications on a dedicated Postgres
// connection and republishes them.
type Bridge struct {
	databaseURL string
	publisher   Publisher
	log         *zap.Logger
	backoff     time.Duration
}

func NewBridge(databaseURL string, publisher Publisher, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		databaseURL: databaseURL,
		publisher:   publisher,
		log:         log,
		backoff:     time.Second,
	}
}

// Run blocks until ctx is cancelled, reconnecting after connection failures.
func (b *Bridge) Run(ctx context.Context) error {
	wait := b.backoff
	for {
		connected, err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			wait = b.backoff
		}
		b.log.Warn("row change listener stopped; reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

// listen reports whether it got as far as LISTEN before failing.
func (b *Bridge) listen(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, b.databaseURL)
	if err != nil {
		return false, fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return false, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	b.log.Info("listening for row changes", zap.String("channel", NotifyChannel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}

		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			b.log.Warn("drop undecodable row change", zap.Error(err))
			continue
		}
		if event.Truncated {
			if err := refetchRow(ctx, conn, &event); err != nil {
				b.log.Warn("refetch truncated row change", zap.String("table", event.Table), zap.Error(err))
				continue
			}
		}
		if err := b.publisher.Publish(ctx, event); err != nil {
			b.log.Warn("publish row change", zap.String("table", event.Table), zap.Error(err))
		}
	}
}

// refetchRow replaces a truncated payload with the current row.
func refetchRow(ctx context.Context, conn *pgx.Conn, event *Event) error {
	if _, ok := scopeColumns[event.Table]; !ok {
		return fmt.Errorf("%w: unknown table %q", ErrUnroutable, event.Table)
	}
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.New, &key); err != nil || key.ID == "" {
		return errors.New("truncated payload has no id")
	}

	query := `SELECT row_to_json(t)::text FROM ` + pgx.Identifier{event.Table}.Sanitize() + ` t WHERE t.id::text = $1`
	var row string
	if err := conn.QueryRow(ctx, query, key.ID).Scan(&row); err != nil {
		return fmt.Errorf("read %s row: %w", event.Table, err)
	}
	event.New = json.RawMessage(row)
	event.Old = nil
	event.Truncated = false
	return nil
}
