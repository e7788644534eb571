package store

import (
	"context"
	"errors"

	"bookrecord/pkg/domain"
)

// ErrEntryNotFound is returned by OwnerTx.SetCompleted when the id is outside
// the owner's sequence.
var ErrEntryNotFound = errors.New("entry not found")

// Store persists per-owner book sequences and their notification log.
type Store interface {
	// Update runs fn inside a transaction scoped to owner. Writes made through
	// the OwnerTx become visible only if fn returns nil.
	Update(ctx context.Context, owner string, fn func(OwnerTx) error) error

	// ListBooks returns owner's entries in insertion order.
	ListBooks(ctx context.Context, owner string, filter domain.CompletionFilter) ([]domain.BookEntry, error)

	// ListEvents returns owner's notifications with Seq > afterSeq, oldest first.
	ListEvents(ctx context.Context, owner string, afterSeq uint64, limit int) ([]domain.Event, error)

	Close() error
}

// OwnerTx is a view of one owner's sequence inside Store.Update.
type OwnerTx interface {
	Count() (uint64, error)
	Get(id uint64) (domain.BookEntry, bool, error)
	Insert(entry domain.BookEntry) error
	SetCompleted(id uint64, completed bool) error
	// AppendEvent assigns the next per-owner Seq and records ev.
	AppendEvent(ev domain.Event) (domain.Event, error)
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// NormalizeEventLimit clamps limit into (0, maxEventLimit].
func NormalizeEventLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}
