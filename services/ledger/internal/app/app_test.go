package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bookrecord/pkg/domain"
	"bookrecord/pkg/ledger"
	"bookrecord/pkg/notify"
	"bookrecord/pkg/store"
)

var caller = domain.Caller{ID: "0xowner"}

type fakeObjects struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureNotifier) Publish(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func TestNewWiresExtraNotifiers(t *testing.T) {
	capture := &captureNotifier{}
	a, err := New(context.Background(), Config{StoreDriver: "memory", Notifiers: []notify.Notifier{capture}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if a.ExportEnabled() {
		t.Fatalf("export should be disabled without object storage")
	}
	if _, _, err := a.Ledger().AddBook(context.Background(), caller, "1984", 1949, "George Orwell", false); err != nil {
		t.Fatalf("add book: %v", err)
	}
	if len(capture.events) != 1 || capture.events[0].Kind != domain.EventAddBook {
		t.Fatalf("extra notifier not wired: %+v", capture.events)
	}
}

func TestNewSQLiteDriver(t *testing.T) {
	a, err := New(context.Background(), Config{StoreDriver: "sqlite", SQLitePath: t.TempDir() + "/ledger.db"})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if _, _, err := a.Ledger().AddBook(context.Background(), caller, "Dune", 1965, "Frank Herbert", true); err != nil {
		t.Fatalf("add book: %v", err)
	}
	done, err := a.Ledger().CompletedBooks(context.Background(), caller)
	if err != nil || len(done) != 1 {
		t.Fatalf("completed books: %+v %v", done, err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), Config{StoreDriver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestExportBooks(t *testing.T) {
	objects := &fakeObjects{}
	a, err := New(context.Background(), Config{Store: store.NewMemoryStore(), Objects: objects, ExportExpiry: time.Minute})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	for _, title := range []string{"Emma", "Persuasion"} {
		if _, _, err := a.Ledger().AddBook(ctx, caller, title, 1815, "Jane Austen", false); err != nil {
			t.Fatalf("add book: %v", err)
		}
	}
	out, err := a.ExportBooks(ctx, caller)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out.Count != 2 || len(objects.keys) != 1 || objects.keys[0] != out.Key {
		t.Fatalf("unexpected export: %+v keys=%v", out, objects.keys)
	}
	if _, err := a.ExportBooks(ctx, domain.Caller{}); !errors.Is(err, ledger.ErrCallerRequired) {
		t.Fatalf("expected ErrCallerRequired, got %v", err)
	}
}

func TestExportBooksUnavailable(t *testing.T) {
	a, err := New(context.Background(), Config{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if _, err := a.ExportBooks(context.Background(), caller); !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("expected ErrExportUnavailable, got %v", err)
	}
}
