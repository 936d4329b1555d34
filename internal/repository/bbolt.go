package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vdm-project/vdm/internal/record"
)

const (
	downloadsBucket = "downloads"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

// ErrNotFound is returned when a download record cannot be found.
var ErrNotFound = errors.New("download not found")

// BboltRepository persists download records so controller state survives a
// process restart.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (or creates) the database at dbPath.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{db: db}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema.
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket))
		if err != nil {
			return fmt.Errorf("failed to create downloads bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))

		err = meta.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a download record.
func (r *BboltRepository) Save(rec record.Record) error {
	if rec.ID == "" {
		return errors.New("cannot save record without an id")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		err = bucket.Put([]byte(rec.ID), data)
		if err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		return nil
	})
}

// Find retrieves a download record by id.
func (r *BboltRepository) Find(id string) (record.Record, error) {
	var rec record.Record

	if id == "" {
		return rec, errors.New("download id cannot be empty")
	}

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		return json.Unmarshal(data, &rec)
	})

	return rec, err
}

// FindAll retrieves all persisted download records.
func (r *BboltRepository) FindAll() ([]record.Record, error) {
	var records []record.Record

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var rec record.Record

			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a download record.
func (r *BboltRepository) Delete(id string) error {
	if id == "" {
		return errors.New("download id cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}

		return bucket.Delete([]byte(id))
	})
}

// Close closes the database.
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
