// Package store persists standardized canonical records in an embedded
// key-range store (badger). Keys sort by (source, station, channel, ts), so
// time-range scans per series are prefix iterations. Partition writes are
// keyed deterministically, which makes re-runs idempotent: rewriting a
// partition overwrites the same keys instead of appending duplicates.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

const recordPrefix = "rec:"

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is the standardized series store. Reads are safe for concurrent
// callers; writes are partition-scoped.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) a store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// PartitionKey identifies one idempotent write unit.
type PartitionKey struct {
	Source    domain.Source `json:"source"`
	StationID string        `json:"station_id"`
	Date      string        `json:"date"` // YYYY-MM-DD UTC
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.StationID, k.Date)
}

// PartitionOf returns the partition a record belongs to.
func PartitionOf(r domain.CanonicalRecord) PartitionKey {
	return PartitionKey{
		Source:    r.Source,
		StationID: r.StationID,
		Date:      time.UnixMilli(r.TSMS).UTC().Format("2006-01-02"),
	}
}

// storedRecord is the on-disk form. NaN does not survive JSON, so the value
// is nullable: nil means missing.
type storedRecord struct {
	Value *float64            `json:"v"`
	Units string              `json:"u,omitempty"`
	Lat   *float64            `json:"lat,omitempty"`
	Lon   *float64            `json:"lon,omitempty"`
	Elev  *float64            `json:"elev,omitempty"`
	Flags domain.QualityFlags `json:"f"`
}

func recordKey(k domain.SeriesKey, tsMS int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s:%020d", recordPrefix, k.Source, k.StationID, k.Channel, tsMS))
}

func encodeRecord(r domain.CanonicalRecord) ([]byte, error) {
	sr := storedRecord{Units: r.Units, Lat: r.Lat, Lon: r.Lon, Elev: r.Elev, Flags: r.Flags}
	if !math.IsNaN(r.Value) {
		v := r.Value
		sr.Value = &v
	}
	return json.Marshal(sr)
}

func decodeRecord(key domain.SeriesKey, tsMS int64, data []byte) (domain.CanonicalRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("decode record: %w", err)
	}
	r := domain.CanonicalRecord{
		TSMS:      tsMS,
		Source:    key.Source,
		StationID: key.StationID,
		Channel:   key.Channel,
		Value:     math.NaN(),
		Units:     sr.Units,
		Lat:       sr.Lat,
		Lon:       sr.Lon,
		Elev:      sr.Elev,
		Flags:     sr.Flags,
	}
	if sr.Value != nil {
		r.Value = *sr.Value
	}
	return r, nil
}

// WritePartition writes records belonging to one partition. All records must
// share the partition's source, station, and UTC date; violations are fatal
// because a mixed partition would break idempotent re-runs.
func (s *Store) WritePartition(ctx context.Context, part PartitionKey, records []domain.CanonicalRecord) error {
	if s.db == nil {
		return ErrClosed
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if got := PartitionOf(r); got != part {
			return fmt.Errorf("record %s@%d outside partition %s", r.Key(), r.TSMS, part)
		}
		data, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("encode record %s@%d: %w", r.Key(), r.TSMS, err)
		}
		if err := wb.Set(recordKey(r.Key(), r.TSMS), data); err != nil {
			return fmt.Errorf("write partition %s: %w", part, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush partition %s: %w", part, err)
	}
	s.logger.Debug("partition written", "partition", part.String(), "records", len(records))
	return nil
}

// Query returns all records for (source, station) across channels within
// [startMS, endMS], ordered by channel then timestamp.
func (s *Store) Query(ctx context.Context, src domain.Source, stationID string, startMS, endMS int64) ([]domain.CanonicalRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	prefix := []byte(fmt.Sprintf("%s%s:%s:", recordPrefix, src, stationID))
	var out []domain.CanonicalRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 128})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, tsMS, err := parseRecordKey(item.Key())
			if err != nil {
				return fmt.Errorf("store invariant violated: %w", err)
			}
			if tsMS < startMS || tsMS > endMS {
				continue
			}
			err = item.Value(func(val []byte) error {
				rec, err := decodeRecord(key, tsMS, val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QuerySeries returns one channel's records within [startMS, endMS], in
// ascending timestamp order.
func (s *Store) QuerySeries(ctx context.Context, key domain.SeriesKey, startMS, endMS int64) ([]domain.CanonicalRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	prefix := []byte(fmt.Sprintf("%s%s:%s:%s:", recordPrefix, key.Source, key.StationID, key.Channel))
	seek := recordKey(key, startMS)
	var out []domain.CanonicalRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 128})
		defer it.Close()
		for it.Seek(seek); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			_, tsMS, err := parseRecordKey(item.Key())
			if err != nil {
				return fmt.Errorf("store invariant violated: %w", err)
			}
			if tsMS > endMS {
				break
			}
			err = item.Value(func(val []byte) error {
				rec, err := decodeRecord(key, tsMS, val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseRecordKey inverts recordKey.
func parseRecordKey(key []byte) (domain.SeriesKey, int64, error) {
	s := string(key)
	if len(s) < len(recordPrefix) || s[:len(recordPrefix)] != recordPrefix {
		return domain.SeriesKey{}, 0, fmt.Errorf("not a record key: %q", s)
	}
	parts := strings.SplitN(s[len(recordPrefix):], ":", 4)
	if len(parts) != 4 {
		return domain.SeriesKey{}, 0, fmt.Errorf("malformed record key: %q", s)
	}
	tsMS, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return domain.SeriesKey{}, 0, fmt.Errorf("malformed record key timestamp: %q", s)
	}
	return domain.SeriesKey{Source: domain.Source(parts[0]), StationID: parts[1], Channel: parts[2]}, tsMS, nil
}
