// Package notify announces promoted snapshots to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"flytie/internal/state"
)

const DefaultSubject = "flytie.snapshot.promoted"

// Promotion is the event published after a snapshot becomes active.
type Promotion struct {
	RunID      string             `json:"run_id"`
	Snapshot   state.SnapshotTime `json:"snapshot"`
	Previous   state.SnapshotTime `json:"previous"`
	Rows       int                `json:"rows"`
	Enriched   int                `json:"enriched"`
	PromotedAt time.Time          `json:"promoted_at"`
}

// Notifier publishes promotion events.
type Notifier interface {
	Promoted(ctx context.Context, p Promotion) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Promoted(context.Context, Promotion) error { return nil }

// Publisher is the subset of a NATS connection the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATS publishes promotion events as JSON on a subject.
type NATS struct {
	pub     Publisher
	subject string
}

// NewNATS wraps an existing connection.
func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}
}

// Connect dials the NATS server at url and returns a notifier together with the
// connection, which the caller drains on shutdown.
func Connect(url, subject string, logger *slog.Logger) (*NATS, *nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	nc, err := nats.Connect(url,
		nats.Name("flytie"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATS(nc, subject), nc, nil
}

// Promoted publishes p and waits for the server to acknowledge the flush.
func (n *NATS) Promoted(ctx context.Context, p Promotion) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal promotion: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", n.subject, err)
	}
	return nil
}
