package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookrecord/pkg/domain"
)

const migrateLockID int64 = 51915191

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&OwnerModel{}, &BookModel{}, &EventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Update locks the owner row for the duration of fn.
func (s *GormStore) Update(ctx context.Context, owner string, fn func(OwnerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&OwnerModel{ID: owner, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
			return fmt.Errorf("ensure owner: %w", err)
		}
		var model OwnerModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", owner).Error; err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
		otx := &gormOwnerTx{tx: tx, owner: model}
		if err := fn(otx); err != nil {
			return err
		}
		if !otx.dirty {
			return nil
		}
		return tx.Model(&OwnerModel{}).Where("id = ?", owner).Updates(map[string]any{
			"book_count": otx.owner.BookCount,
			"event_seq":  otx.owner.EventSeq,
			"updated_at": now,
		}).Error
	})
}

// ListBooks returns entries ordered by entry id.
func (s *GormStore) ListBooks(ctx context.Context, owner string, filter domain.CompletionFilter) ([]domain.BookEntry, error) {
	tx := s.db.WithContext(ctx).Where("owner_id = ?", owner)
	switch filter {
	case domain.FilterCompleted:
		tx = tx.Where("completed = ?", true)
	case domain.FilterUncompleted:
		tx = tx.Where("completed = ?", false)
	}
	var models []BookModel
	if err := tx.Order("entry_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BookEntry, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// ListEvents returns notifications ordered by seq.
func (s *GormStore) ListEvents(ctx context.Context, owner string, afterSeq uint64, limit int) ([]domain.Event, error) {
	var models []EventModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND seq > ?", owner, afterSeq).
		Order("seq ASC").
		Limit(NormalizeEventLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(models))
	for _, m := range models {
		ev, err := eventFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormOwnerTx struct {
	tx    *gorm.DB
	owner OwnerModel
	dirty bool
}

func (t *gormOwnerTx) Count() (uint64, error) {
	return t.owner.BookCount, nil
}

func (t *gormOwnerTx) Get(id uint64) (domain.BookEntry, bool, error) {
	var model BookModel
	if err := t.tx.First(&model, "owner_id = ? AND entry_id = ?", t.owner.ID, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookEntry{}, false, nil
		}
		return domain.BookEntry{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (t *gormOwnerTx) Insert(entry domain.BookEntry) error {
	model := bookToModel(t.owner.ID, entry)
	if err := t.tx.Create(&model).Error; err != nil {
		return err
	}
	if entry.ID+1 > t.owner.BookCount {
		t.owner.BookCount = entry.ID + 1
	}
	t.dirty = true
	return nil
}

func (t *gormOwnerTx) SetCompleted(id uint64, completed bool) error {
	res := t.tx.Model(&BookModel{}).
		Where("owner_id = ? AND entry_id = ?", t.owner.ID, id).
		Updates(map[string]any{
			"completed":  completed,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (t *gormOwnerTx) AppendEvent(ev domain.Event) (domain.Event, error) {
	ev.Seq = t.owner.EventSeq + 1
	ev.Owner = t.owner.ID
	model, err := eventToModel(ev)
	if err != nil {
		return domain.Event{}, err
	}
	if err := t.tx.Create(&model).Error; err != nil {
		return domain.Event{}, err
	}
	t.owner.EventSeq = ev.Seq
	t.dirty = true
	return ev, nil
}

func bookToModel(owner string, b domain.BookEntry) BookModel {
	now := time.Now().UTC()
	return BookModel{
		OwnerID:   owner,
		EntryID:   b.ID,
		Title:     b.Title,
		Year:      b.Year,
		Author:    b.Author,
		Completed: b.Completed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func bookFromModel(m BookModel) domain.BookEntry {
	return domain.BookEntry{
		ID:        m.EntryID,
		Title:     m.Title,
		Year:      m.Year,
		Author:    m.Author,
		Completed: m.Completed,
	}
}

func eventToModel(ev domain.Event) (EventModel, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventModel{}, fmt.Errorf("encode event: %w", err)
	}
	return EventModel{
		OwnerID:   ev.Owner,
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		BookID:    ev.BookID,
		Payload:   payload,
		CreatedAt: ev.At,
	}, nil
}

func eventFromModel(m EventModel) (domain.Event, error) {
	var ev domain.Event
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			return domain.Event{}, fmt.Errorf("decode event %d: %w", m.Seq, err)
		}
	}
	ev.Seq = m.Seq
	ev.Owner = m.OwnerID
	ev.Kind = domain.EventKind(m.Kind)
	ev.BookID = m.BookID
	return ev, nil
}
