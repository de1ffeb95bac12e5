// Package publish relays hub events onto a NATS bus for downstream
// consumers outside this process.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/rfeldman/goldwatch/internal/model"
)

// conn is the slice of *nats.Conn the publisher needs; tests substitute
// their own recorder.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher forwards ticks and status changes to NATS subjects
// "<prefix>.<venue>" and "<prefix>.status.<venue>".
type Publisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to the NATS server.
func NewPublisher(url, subjectPrefix string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("goldwatch"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newPublisher(nc, subjectPrefix, logger), nil
}

func newPublisher(nc conn, subjectPrefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   nc,
		prefix: subjectPrefix,
		logger: logger,
	}
}

// Run consumes hub events until the channel closes or the context ends.
// Publish failures are logged, never fatal.
func (p *Publisher) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.publish(ev); err != nil {
				p.logger.Warn("nats publish failed", "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ev model.Event) error {
	var subject string
	switch ev.Kind {
	case model.EventTick:
		if ev.Tick == nil {
			return nil
		}
		subject = fmt.Sprintf("%s.%s", p.prefix, ev.Tick.Venue)
	case model.EventStatusChange:
		if ev.Status == nil {
			return nil
		}
		subject = fmt.Sprintf("%s.status.%s", p.prefix, ev.Status.Venue)
	default:
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.Publish(subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Debug("nats drain failed", "error", err)
	}
}
