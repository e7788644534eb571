package domain

import "time"

// BookEntry is one record in an owner's ledger. ID is the entry's position in
// the owner's sequence and never changes; only Completed is mutable.
type BookEntry struct {
	ID        uint64 `json:"id"`
	Title     string `json:"title"`
	Year      int64  `json:"year"`
	Author    string `json:"author"`
	Completed bool   `json:"completed"`
}

// CompletionFilter selects entries by their completion flag.
type CompletionFilter string

const (
	FilterAny         CompletionFilter = "any"
	FilterCompleted   CompletionFilter = "completed"
	FilterUncompleted CompletionFilter = "uncompleted"
)

// Match reports whether the entry passes the filter.
func (f CompletionFilter) Match(b BookEntry) bool {
	switch f {
	case FilterCompleted:
		return b.Completed
	case FilterUncompleted:
		return !b.Completed
	default:
		return true
	}
}

type EventKind string

const (
	EventAddBook      EventKind = "AddBook"
	EventSetCompleted EventKind = "SetCompleted"
)

// Event is an append-only notification recorded alongside a successful
// mutation. Seq is assigned per owner starting at 1. Completed carries the new
// flag for SetCompleted and the initial flag for AddBook.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Owner     string    `json:"owner"`
	BookID    uint64    `json:"bookId"`
	Completed bool      `json:"completed"`
	At        time.Time `json:"at"`
}

// Caller is the authenticated party invoking a ledger operation.
type Caller struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}
