package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bookrecord/pkg/domain"
)

const sqliteSchemaVersion = 1

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; IMMEDIATE transactions serialize owners on the file lock anyway.
	db.SetMaxOpenConns(1)
	if err := applySQLiteMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func applySQLiteMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}
	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS owners (
            id TEXT PRIMARY KEY,
            book_count INTEGER NOT NULL DEFAULT 0,
            event_seq INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            owner_id TEXT NOT NULL REFERENCES owners(id),
            entry_id INTEGER NOT NULL,
            title TEXT NOT NULL,
            year INTEGER NOT NULL,
            author TEXT NOT NULL,
            completed BOOLEAN NOT NULL,
            PRIMARY KEY (owner_id, entry_id)
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            owner_id TEXT NOT NULL REFERENCES owners(id),
            seq INTEGER NOT NULL,
            kind TEXT NOT NULL,
            book_id INTEGER NOT NULL,
            payload TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            PRIMARY KEY (owner_id, seq)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Update runs fn in an IMMEDIATE transaction.
func (s *SQLiteStore) Update(ctx context.Context, owner string, fn func(OwnerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO owners(id) VALUES(?) ON CONFLICT(id) DO NOTHING`, owner); err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	var bookCount, eventSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT book_count, event_seq FROM owners WHERE id=?`, owner).
		Scan(&bookCount, &eventSeq); err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	otx := &sqliteOwnerTx{
		ctx:       ctx,
		tx:        tx,
		owner:     owner,
		bookCount: uint64(bookCount),
		eventSeq:  uint64(eventSeq),
	}
	if err := fn(otx); err != nil {
		return err
	}
	if otx.dirty {
		if _, err := tx.ExecContext(ctx, `UPDATE owners SET book_count=?, event_seq=? WHERE id=?`,
			int64(otx.bookCount), int64(otx.eventSeq), owner); err != nil {
			return fmt.Errorf("update owner: %w", err)
		}
	}
	return tx.Commit()
}

// ListBooks returns entries ordered by entry id.
func (s *SQLiteStore) ListBooks(ctx context.Context, owner string, filter domain.CompletionFilter) ([]domain.BookEntry, error) {
	query := `SELECT entry_id,title,year,author,completed FROM books WHERE owner_id=?`
	args := []any{owner}
	switch filter {
	case domain.FilterCompleted:
		query += ` AND completed=?`
		args = append(args, true)
	case domain.FilterUncompleted:
		query += ` AND completed=?`
		args = append(args, false)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY entry_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]domain.BookEntry, 0)
	for rows.Next() {
		var (
			b  domain.BookEntry
			id int64
		)
		if err := rows.Scan(&id, &b.Title, &b.Year, &b.Author, &b.Completed); err != nil {
			return nil, err
		}
		b.ID = uint64(id)
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListEvents returns notifications ordered by seq.
func (s *SQLiteStore) ListEvents(ctx context.Context, owner string, afterSeq uint64, limit int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,payload FROM events WHERE owner_id=? AND seq>? ORDER BY seq ASC LIMIT ?`,
		owner, int64(afterSeq), NormalizeEventLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]domain.Event, 0)
	for rows.Next() {
		var (
			seq     int64
			payload string
			ev      domain.Event
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		ev.Seq = uint64(seq)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteOwnerTx struct {
	ctx       context.Context
	tx        *sql.Tx
	owner     string
	bookCount uint64
	eventSeq  uint64
	dirty     bool
}

func (t *sqliteOwnerTx) Count() (uint64, error) {
	return t.bookCount, nil
}

func (t *sqliteOwnerTx) Get(id uint64) (domain.BookEntry, bool, error) {
	b := domain.BookEntry{ID: id}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT title,year,author,completed FROM books WHERE owner_id=? AND entry_id=?`, t.owner, int64(id)).
		Scan(&b.Title, &b.Year, &b.Author, &b.Completed)
	if err == sql.ErrNoRows {
		return domain.BookEntry{}, false, nil
	}
	if err != nil {
		return domain.BookEntry{}, false, err
	}
	return b, true, nil
}

func (t *sqliteOwnerTx) Insert(entry domain.BookEntry) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO books(owner_id,entry_id,title,year,author,completed) VALUES(?,?,?,?,?,?)`,
		t.owner, int64(entry.ID), entry.Title, entry.Year, entry.Author, entry.Completed); err != nil {
		return err
	}
	if entry.ID+1 > t.bookCount {
		t.bookCount = entry.ID + 1
	}
	t.dirty = true
	return nil
}

func (t *sqliteOwnerTx) SetCompleted(id uint64, completed bool) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE books SET completed=? WHERE owner_id=? AND entry_id=?`, completed, t.owner, int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (t *sqliteOwnerTx) AppendEvent(ev domain.Event) (domain.Event, error) {
	ev.Seq = t.eventSeq + 1
	ev.Owner = t.owner
	payload, err := json.Marshal(ev)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode event: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO events(owner_id,seq,kind,book_id,payload,created_at) VALUES(?,?,?,?,?,?)`,
		t.owner, int64(ev.Seq), string(ev.Kind), int64(ev.BookID), string(payload), ev.At.UTC().Format(time.RFC3339Nano)); err != nil {
		return domain.Event{}, err
	}
	t.eventSeq = ev.Seq
	t.dirty = true
	return ev, nil
}
