// Package state persists the per-vault sidecar record: the last-synced
// hash/version for each tracked path, staged metadata edits, and the
// first-seen markers behind the cloud_new status. Everything here must
// survive process restarts; pending metadata in particular round-trips
// losslessly until a checkin publishes it.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/bluerobotics/blueplm-sync/internal/models"
	"github.com/bluerobotics/blueplm-sync/internal/vault"
)

const (
	// stateDirPerm is the permission mode for the sidecar directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database
	// lock. A second agent on the same vault fails fast instead of hanging.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	syncBucket    = []byte("sync")
	pendingBucket = []byte("pending")
	seenBucket    = []byte("seen")

	machineIDKey = []byte("machine_id")
)

// SyncRecord tracks the last-synced content for one vault-relative path:
// the fingerprint and remote version recorded when the file was last
// downloaded or checked in.
type SyncRecord struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Version  int64  `json:"version"`
	SyncTime int64  `json:"synctime"` // unix milliseconds
}

// Store wraps a bbolt database holding all persistent engine state.
type Store struct {
	db *bolt.DB
}

// Load opens the sidecar database at <vaultDir>/.blueplm/state.db,
// creating it if it does not exist.
func Load(vaultDir string) (*Store, error) {
	return LoadAt(filepath.Join(vaultDir, vault.SidecarDir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it does
// not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{appBucket, syncBucket, pendingBucket, seenBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MachineID returns the stable machine identifier, generating and
// persisting one on first use. Lock arbitration keys off this id, so it
// must not change when the host is renamed.
func (s *Store) MachineID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(machineIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(machineIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading machine id: %w", err)
	}

	return id, nil
}

// GetSync returns the sync record for a path, or nil if the path was
// never synced.
func (s *Store) GetSync(path string) (*SyncRecord, error) {
	var rec *SyncRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		rec = &SyncRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// SetSync persists the sync record for a path.
func (s *Store) SetSync(rec SyncRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(syncBucket).Put([]byte(rec.Path), data)
	})
}

// DeleteSync removes the sync record for a path.
func (s *Store) DeleteSync(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Delete([]byte(path))
	})
}

// AllSync returns all sync records keyed by path.
func (s *Store) AllSync() (map[string]SyncRecord, error) {
	result := make(map[string]SyncRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).ForEach(func(k, v []byte) error {
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

// GetPending returns the staged metadata for a path, or nil if none.
func (s *Store) GetPending(path string) (*models.PendingMetadata, error) {
	var pm *models.PendingMetadata

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pendingBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		pm = &models.PendingMetadata{}

		return json.Unmarshal(v, pm)
	})

	return pm, err
}

// SetPending persists the staged metadata for a path.
func (s *Store) SetPending(path string, pm models.PendingMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pm)
		if err != nil {
			return err
		}

		return tx.Bucket(pendingBucket).Put([]byte(path), data)
	})
}

// DeletePending removes the staged metadata for a path. Called only after
// a successful checkin publishes it.
func (s *Store) DeletePending(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(path))
	})
}

// AllPending returns all staged metadata keyed by path.
func (s *Store) AllPending() (map[string]models.PendingMetadata, error) {
	result := make(map[string]models.PendingMetadata)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var pm models.PendingMetadata
			if err := json.Unmarshal(v, &pm); err != nil {
				return err
			}

			result[string(k)] = pm

			return nil
		})
	})

	return result, err
}

// Seen reports whether the first-seen marker is set for a path.
func (s *Store) Seen(path string) (bool, error) {
	var seen bool

	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(seenBucket).Get([]byte(path)) != nil
		return nil
	})

	return seen, err
}

// MarkSeen sets the first-seen marker for a path.
func (s *Store) MarkSeen(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(seenBucket).Put([]byte(path), []byte{1})
	})
}
