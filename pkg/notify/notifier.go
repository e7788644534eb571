// Package notify delivers committed ledger notifications to external observers.
package notify

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"bookrecord/pkg/domain"
)

// Notifier publishes a committed event.
type Notifier interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, domain.Event) error { return nil }

// Log writes every event to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (n Log) Publish(ctx context.Context, ev domain.Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "ledger_event",
		"kind", ev.Kind,
		"owner", ev.Owner,
		"seq", ev.Seq,
		"book_id", ev.BookID,
		"completed", ev.Completed,
	)
	return nil
}

// Multi publishes to every notifier concurrently and returns the first error.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, ev domain.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range m {
		if n == nil {
			continue
		}
		n := n
		g.Go(func() error {
			return n.Publish(gctx, ev)
		})
	}
	return g.Wait()
}
