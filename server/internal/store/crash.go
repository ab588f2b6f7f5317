package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewCrashInput is the data the Broker has already computed (hash, size) by
// hashing the crash file itself off the shared NFS mount (spec §4.7
// new_crash) before calling NewCrash — the wire CrashMsg only ever carries
// the file's name, never a caller-supplied digest.
type NewCrashInput struct {
	Name           string
	CollectionGuid uuid.UUID
	Hash           string
	Size           int64
	Analyzed       *string
}

// NewCrash inserts a Crash row. The unique index on (collection_guid, name)
// makes a duplicate a no-op rather than an error (spec §4.7: "duplicates
// are no-ops").
func (s *Store) NewCrash(ctx context.Context, in NewCrashInput) error {
	crash := &db.Crash{
		Guid:           uuid.Must(uuid.NewV7()),
		Name:           in.Name,
		CollectionGuid: in.CollectionGuid,
		Hash:           in.Hash,
		Size:           in.Size,
		Analyzed:       in.Analyzed,
		CreationDate:   time.Now(),
	}
	err := s.db.WithContext(ctx).Create(crash).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return nil
	}
	return fmt.Errorf("store: new crash: %w", err)
}

// SetCrashAnalyzed attaches an analyzer verdict to an existing crash,
// matched by (collection_guid, name).
func (s *Store) SetCrashAnalyzed(ctx context.Context, collectionGuid uuid.UUID, name, result string) error {
	res := s.db.WithContext(ctx).Model(&db.Crash{}).
		Where("collection_guid = ? AND name = ?", collectionGuid, name).
		Update("analyzed", result)
	if res.Error != nil {
		return fmt.Errorf("store: set crash analyzed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCrashes returns every crash recorded for a collection, oldest first.
func (s *Store) ListCrashes(ctx context.Context, collectionGuid uuid.UUID) ([]db.Crash, error) {
	var crashes []db.Crash
	if err := s.db.WithContext(ctx).Where("collection_guid = ?", collectionGuid).Order("created_at ASC").Find(&crashes).Error; err != nil {
		return nil, fmt.Errorf("store: list crashes: %w", err)
	}
	return crashes, nil
}

// isUniqueViolation reports whether err is a SQLite or Postgres unique
// constraint violation. GORM does not normalize these across drivers, so we
// match on the known substrings each driver's error wraps.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
