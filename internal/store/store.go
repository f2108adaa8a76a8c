package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Open opens the on-device database through the given dialector and migrates
// the schema. Any engine satisfies the store contract as long as the
// single-writer-per-store discipline above it holds; the pipeline defaults to
// an embedded SQLite file.
func Open(dial gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Event{}, &Attachment{}, &Batch{}, &KVEntry{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}

// upsert overwrites the existing row on a duplicate primary key. Used where
// the latest write wins (key-value entries, batch records).
func upsert(tx *gorm.DB, value any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// insertNew ignores a duplicate primary key. Events, attachments and sessions
// are immutable once written; crash reconciliation replays the same ids and
// must not disturb batch assignment or flags set since the first write.
func insertNew(tx *gorm.DB, value any) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(value).Error
}

// KVStore persists small key-value entries (cached config, installation id).
type KVStore struct {
	db *gorm.DB
}

// NewKVStore returns a KVStore over db.
func NewKVStore(db *gorm.DB) *KVStore {
	return &KVStore{db: db}
}

// Get returns the value for key, reporting whether it was present.
func (s *KVStore) Get(key string) (string, bool, error) {
	var e KVEntry
	err := s.db.Where("key = ?", key).Limit(1).Find(&e).Error
	if err != nil {
		return "", false, err
	}
	if e.Key == "" {
		return "", false, nil
	}
	return e.Value, true, nil
}

// Put stores value under key, overwriting any previous value.
func (s *KVStore) Put(key, value string) error {
	return upsert(s.db, &KVEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()})
}
