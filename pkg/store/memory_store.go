package store

import (
	"context"
	"sync"

	"bookrecord/pkg/domain"
)

type shelf struct {
	books  []domain.BookEntry
	events []domain.Event
}

// MemoryStore keeps every owner's sequence in-process.
type MemoryStore struct {
	mu      sync.RWMutex
	shelves map[string]*shelf // owner -> sequence
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shelves: make(map[string]*shelf)}
}

// Update stages writes and applies them only when fn succeeds.
func (m *MemoryStore) Update(ctx context.Context, owner string, fn func(OwnerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.shelves[owner]
	if current == nil {
		current = &shelf{}
	}
	tx := &memoryTx{
		owner:   owner,
		base:    current,
		flipped: make(map[uint64]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.added) == 0 && len(tx.flipped) == 0 && len(tx.events) == 0 {
		return nil
	}

	next := &shelf{
		books:  append(append(make([]domain.BookEntry, 0, len(current.books)+len(tx.added)), current.books...), tx.added...),
		events: append(append(make([]domain.Event, 0, len(current.events)+len(tx.events)), current.events...), tx.events...),
	}
	for id, completed := range tx.flipped {
		next.books[id].Completed = completed
	}
	m.shelves[owner] = next
	return nil
}

// ListBooks returns entries in insertion order.
func (m *MemoryStore) ListBooks(ctx context.Context, owner string, filter domain.CompletionFilter) ([]domain.BookEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.BookEntry, 0)
	s := m.shelves[owner]
	if s == nil {
		return res, nil
	}
	for _, b := range s.books {
		if filter.Match(b) {
			res = append(res, b)
		}
	}
	return res, nil
}

// ListEvents returns notifications after afterSeq.
func (m *MemoryStore) ListEvents(ctx context.Context, owner string, afterSeq uint64, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = NormalizeEventLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Event, 0)
	s := m.shelves[owner]
	if s == nil || afterSeq >= uint64(len(s.events)) {
		return res, nil
	}
	for _, ev := range s.events[afterSeq:] {
		if len(res) == limit {
			break
		}
		res = append(res, ev)
	}
	return res, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	owner   string
	base    *shelf
	added   []domain.BookEntry
	flipped map[uint64]bool
	events  []domain.Event
}

func (t *memoryTx) Count() (uint64, error) {
	return uint64(len(t.base.books) + len(t.added)), nil
}

func (t *memoryTx) Get(id uint64) (domain.BookEntry, bool, error) {
	var entry domain.BookEntry
	switch {
	case id < uint64(len(t.base.books)):
		entry = t.base.books[id]
	case id < uint64(len(t.base.books)+len(t.added)):
		entry = t.added[id-uint64(len(t.base.books))]
	default:
		return domain.BookEntry{}, false, nil
	}
	if completed, ok := t.flipped[id]; ok {
		entry.Completed = completed
	}
	return entry, true, nil
}

func (t *memoryTx) Insert(entry domain.BookEntry) error {
	t.added = append(t.added, entry)
	return nil
}

func (t *memoryTx) SetCompleted(id uint64, completed bool) error {
	n := uint64(len(t.base.books))
	switch {
	case id < n:
		t.flipped[id] = completed
	case id < n+uint64(len(t.added)):
		t.added[id-n].Completed = completed
	default:
		return ErrEntryNotFound
	}
	return nil
}

func (t *memoryTx) AppendEvent(ev domain.Event) (domain.Event, error) {
	ev.Seq = uint64(len(t.base.events)+len(t.events)) + 1
	ev.Owner = t.owner
	t.events = append(t.events, ev)
	return ev, nil
}
