package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

const (
	manifestPartitionPrefix = "manifest:partition:"
	manifestEventPrefix     = "manifest:event:"
)

// manifestEntry records a completed unit of work and the parameter hash it
// was produced under. A unit is only skipped on re-run when the hash still
// matches; parameter drift forces reprocessing.
type manifestEntry struct {
	ParamsHash  string    `json:"params_hash"`
	CompletedAt time.Time `json:"completed_at"`
}

// MarkPartitionDone checkpoints a completed partition write.
func (s *Store) MarkPartitionDone(part PartitionKey, paramsHash string) error {
	return s.putManifest(manifestPartitionPrefix+part.String(), paramsHash)
}

// PartitionDone reports whether a partition was completed under the same
// parameter hash.
func (s *Store) PartitionDone(part PartitionKey, paramsHash string) (bool, error) {
	return s.manifestMatches(manifestPartitionPrefix+part.String(), paramsHash)
}

// MarkEventDone checkpoints a completed event link.
func (s *Store) MarkEventDone(eventID, paramsHash string) error {
	return s.putManifest(manifestEventPrefix+eventID, paramsHash)
}

// EventDone reports whether an event was linked under the same parameter
// hash.
func (s *Store) EventDone(eventID, paramsHash string) (bool, error) {
	return s.manifestMatches(manifestEventPrefix+eventID, paramsHash)
}

func (s *Store) putManifest(key, paramsHash string) error {
	if s.db == nil {
		return ErrClosed
	}
	entry := manifestEntry{ParamsHash: paramsHash, CompletedAt: domain.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode manifest entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) manifestMatches(key, paramsHash string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	var entry manifestEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.ParamsHash == paramsHash, nil
}
