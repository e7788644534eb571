// Package ledger implements the per-owner book ledger: sequential entry ids,
// completion toggling, filtered reads, and a notification per mutation.
//
// Every operation is scoped to the caller passed in by the environment. There
// is no lookup by id outside the caller's own sequence.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"bookrecord/pkg/domain"
	"bookrecord/pkg/notify"
	"bookrecord/pkg/store"
)

// Ledger coordinates the store and the notifier.
type Ledger struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithNotifier sets where committed notifications are dispatched.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithLogger sets the logger used for dispatch failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a ledger over s.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    s,
		notifier: notify.Discard{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AddBook appends a new entry to the caller's sequence. The new id equals the
// length of the sequence before the append. Fields are stored as given.
func (l *Ledger) AddBook(ctx context.Context, caller domain.Caller, title string, year int64, author string, completed bool) (domain.BookEntry, domain.Event, error) {
	owner, err := ownerOf(caller)
	if err != nil {
		return domain.BookEntry{}, domain.Event{}, err
	}
	var (
		entry domain.BookEntry
		event domain.Event
	)
	err = l.store.Update(ctx, owner, func(tx store.OwnerTx) error {
		next, err := tx.Count()
		if err != nil {
			return err
		}
		entry = domain.BookEntry{
			ID:        next,
			Title:     title,
			Year:      year,
			Author:    author,
			Completed: completed,
		}
		if err := tx.Insert(entry); err != nil {
			return err
		}
		event, err = tx.AppendEvent(domain.Event{
			Kind:      domain.EventAddBook,
			BookID:    entry.ID,
			Completed: completed,
			At:        l.now(),
		})
		return err
	})
	if err != nil {
		return domain.BookEntry{}, domain.Event{}, err
	}
	l.dispatch(ctx, event)
	return entry, event, nil
}

// SetCompleted overwrites the completion flag of one of the caller's entries.
// It fails with ErrBookNotFound, changing nothing, when id is out of range.
func (l *Ledger) SetCompleted(ctx context.Context, caller domain.Caller, id uint64, completed bool) (domain.Event, error) {
	owner, err := ownerOf(caller)
	if err != nil {
		return domain.Event{}, err
	}
	var event domain.Event
	err = l.store.Update(ctx, owner, func(tx store.OwnerTx) error {
		n, err := tx.Count()
		if err != nil {
			return err
		}
		if id >= n {
			return ErrBookNotFound
		}
		if err := tx.SetCompleted(id, completed); err != nil {
			if errors.Is(err, store.ErrEntryNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		event, err = tx.AppendEvent(domain.Event{
			Kind:      domain.EventSetCompleted,
			BookID:    id,
			Completed: completed,
			At:        l.now(),
		})
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	l.dispatch(ctx, event)
	return event, nil
}

// CompletedBooks returns the caller's completed entries in insertion order.
func (l *Ledger) CompletedBooks(ctx context.Context, caller domain.Caller) ([]domain.BookEntry, error) {
	return l.list(ctx, caller, domain.FilterCompleted)
}

// UncompletedBooks returns the caller's uncompleted entries in insertion order.
func (l *Ledger) UncompletedBooks(ctx context.Context, caller domain.Caller) ([]domain.BookEntry, error) {
	return l.list(ctx, caller, domain.FilterUncompleted)
}

// Books returns all of the caller's entries in insertion order.
func (l *Ledger) Books(ctx context.Context, caller domain.Caller) ([]domain.BookEntry, error) {
	return l.list(ctx, caller, domain.FilterAny)
}

// Events returns the caller's notifications with Seq greater than after.
func (l *Ledger) Events(ctx context.Context, caller domain.Caller, after uint64, limit int) ([]domain.Event, error) {
	owner, err := ownerOf(caller)
	if err != nil {
		return nil, err
	}
	return l.store.ListEvents(ctx, owner, after, limit)
}

func (l *Ledger) list(ctx context.Context, caller domain.Caller, filter domain.CompletionFilter) ([]domain.BookEntry, error) {
	owner, err := ownerOf(caller)
	if err != nil {
		return nil, err
	}
	return l.store.ListBooks(ctx, owner, filter)
}

// dispatch runs after commit; the store's event log stays authoritative.
func (l *Ledger) dispatch(ctx context.Context, ev domain.Event) {
	if err := l.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		l.logger.Warn("notification dispatch failed",
			"kind", ev.Kind,
			"owner", ev.Owner,
			"seq", ev.Seq,
			"err", err,
		)
	}
}

func ownerOf(caller domain.Caller) (string, error) {
	if strings.TrimSpace(caller.ID) == "" {
		return "", ErrCallerRequired
	}
	return caller.ID, nil
}
