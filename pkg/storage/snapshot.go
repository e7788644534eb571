package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bookrecord/pkg/domain"
)

const DefaultExportExpiry = 15 * time.Minute

// Snapshot is the document written for one export.
type Snapshot struct {
	Owner      string             `json:"owner"`
	ExportedAt time.Time          `json:"exportedAt"`
	Count      int                `json:"count"`
	Books      []domain.BookEntry `json:"books"`
}

// Export describes a written snapshot.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Exporter writes snapshots and presigns them.
type Exporter struct {
	objects ObjectStore
	expiry  time.Duration
	now     func() time.Time
}

// NewExporter returns an exporter whose links live for expiry.
func NewExporter(objects ObjectStore, expiry time.Duration) (*Exporter, error) {
	if objects == nil {
		return nil, errors.New("exporter requires an object store")
	}
	if expiry <= 0 {
		expiry = DefaultExportExpiry
	}
	return &Exporter{objects: objects, expiry: expiry, now: time.Now}, nil
}

// Export uploads books for owner and returns a download link.
func (e *Exporter) Export(ctx context.Context, owner string, books []domain.BookEntry) (Export, error) {
	if books == nil {
		books = []domain.BookEntry{}
	}
	at := e.now().UTC()
	body, err := json.MarshalIndent(Snapshot{
		Owner:      owner,
		ExportedAt: at,
		Count:      len(books),
		Books:      books,
	}, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := ExportKey(owner, at)
	if err := e.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return Export{}, err
	}
	link, err := e.objects.PresignGet(ctx, key, e.expiry)
	if err != nil {
		return Export{}, err
	}
	return Export{Key: key, URL: link, Count: len(books), ExpiresAt: at.Add(e.expiry)}, nil
}

// ExportKey places exports under a digest of the owner id, since owner ids
// are opaque and may contain path separators.
func ExportKey(owner string, at time.Time) string {
	sum := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("exports/%s/%s-%s.json",
		hex.EncodeToString(sum[:8]),
		at.UTC().Format("20060102T150405Z"),
		uuid.NewString()[:8],
	)
}
