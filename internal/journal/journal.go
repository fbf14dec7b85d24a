// Package journal persists surfaced messages to a local BadgerDB archive.
//
// Each surfaced message becomes one Record keyed by a monotonically
// increasing journal index, stored as an 8-byte big-endian key so records
// iterate in append order. Payloads are compressed before storage and the
// record carries the algorithm that produced it, so archives written under
// an older configuration stay readable. Retention is count based: once the
// archive holds RetainMessages records, each append prunes the oldest.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/compression"
	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/monitor"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal is closed")

// pruneBatchSize caps deletes per transaction during the open-time sweep
// so a large backlog cannot overflow a single badger transaction.
const pruneBatchSize = 1024

// Config holds journal configuration
type Config struct {
	// Dir is the directory holding the BadgerDB archive
	Dir string `json:"dir" yaml:"dir"`
	// Compression controls payload compression inside records
	Compression compression.Config `json:"compression" yaml:"compression"`
	// RetainMessages caps the number of records kept (0 = unlimited)
	RetainMessages int `json:"retain_messages" yaml:"retain_messages"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Dir:            "data/journal",
		Compression:    compression.DefaultConfig(),
		RetainMessages: 10000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("journal dir is required")
	}

	if c.RetainMessages < 0 {
		return errors.New("retain_messages must be >= 0")
	}

	if _, err := compression.ParseAlgorithm(string(c.Compression.Algorithm)); err != nil {
		return err
	}

	return nil
}

// Record is the persisted form of a surfaced message. Recent and Replay
// return records with Payload already decompressed; Encoding reports how
// the payload was stored on disk.
type Record struct {
	Index      uint64                `json:"index"`
	Seq        uint64                `json:"seq"`
	ConnID     uuid.UUID             `json:"conn_id"`
	ImmLen     uint32                `json:"imm_len"`
	ByteLen    uint32                `json:"byte_len"`
	Truncated  bool                  `json:"truncated,omitempty"`
	Degraded   bool                  `json:"degraded,omitempty"`
	ReceivedAt time.Time             `json:"received_at"`
	Encoding   compression.Algorithm `json:"encoding"`
	Payload    []byte                `json:"payload,omitempty"`
}

// Stats is a point-in-time snapshot of the journal.
type Stats struct {
	Records     uint64 `json:"records"`
	OldestIndex uint64 `json:"oldest_index"`
	NewestIndex uint64 `json:"newest_index"`
}

// Journal is a durable, size-capped archive of surfaced messages.
type Journal struct {
	db    *badger.DB
	codec *compression.Codec
	log   zerolog.Logger

	retain uint64

	mu      sync.Mutex
	nextIdx uint64
	oldest  uint64
	closed  bool
}

// Open opens or creates a journal in cfg.Dir. Existing records are scanned
// to recover the index sequence, and records beyond the retention cap are
// pruned before the journal accepts appends.
func Open(cfg Config, logger zerolog.Logger) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	codec, err := compression.NewCodec(cfg.Compression)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{
		db:      db,
		codec:   codec,
		log:     logger.With().Str("component", "journal").Logger(),
		retain:  uint64(cfg.RetainMessages), //nolint:gosec // G115: Validate rejects negatives
		nextIdx: 1,
		oldest:  1,
	}

	if err := j.recover(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to recover journal: %w", err)
	}

	j.log.Info().
		Str("dir", cfg.Dir).
		Str("compression", string(cfg.Compression.Algorithm)).
		Uint64("records", j.nextIdx-j.oldest).
		Msg("Journal opened")

	return j, nil
}

// recover scans existing keys to restore the index sequence and enforces
// the retention cap against records left by a previous run.
func (j *Journal) recover() error {
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if it.Valid() {
			j.oldest = binary.BigEndian.Uint64(it.Item().Key())
		}

		return nil
	})
	if err != nil {
		return err
	}

	err = j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(indexKey(math.MaxUint64))
		if it.Valid() {
			j.nextIdx = binary.BigEndian.Uint64(it.Item().Key()) + 1
		}

		return nil
	})
	if err != nil {
		return err
	}

	if j.retain == 0 || j.nextIdx-j.oldest <= j.retain {
		return nil
	}

	target := j.nextIdx - j.retain
	pruned := target - j.oldest

	for j.oldest < target {
		end := j.oldest + pruneBatchSize
		if end > target {
			end = target
		}

		err := j.db.Update(func(txn *badger.Txn) error {
			for idx := j.oldest; idx < end; idx++ {
				if err := txn.Delete(indexKey(idx)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		j.oldest = end
	}

	j.log.Debug().Uint64("pruned", pruned).Msg("Pruned journal records beyond retention")

	return nil
}

// Append persists one surfaced message. The payload is compressed through
// the configured codec and the oldest record is pruned once the archive
// is at its retention cap.
func (j *Journal) Append(m monitor.Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	encoded, algorithm, err := j.codec.Encode(m.Payload)
	if err != nil {
		metrics.RecordJournalError()
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	rec := Record{
		Index:      j.nextIdx,
		Seq:        m.Seq,
		ConnID:     m.ConnID,
		ImmLen:     m.ImmLen,
		ByteLen:    m.ByteLen,
		Truncated:  m.Truncated,
		Degraded:   m.Degraded,
		ReceivedAt: m.ReceivedAt,
		Encoding:   algorithm,
		Payload:    encoded,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		metrics.RecordJournalError()
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var pruned uint64

	err = j.db.Update(func(txn *badger.Txn) error {
		pruned = 0

		if err := txn.Set(indexKey(rec.Index), data); err != nil {
			return err
		}

		if j.retain == 0 {
			return nil
		}

		for oldest := j.oldest; j.nextIdx+1-oldest > j.retain; oldest++ {
			if err := txn.Delete(indexKey(oldest)); err != nil {
				return err
			}
			pruned++
		}

		return nil
	})
	if err != nil {
		metrics.RecordJournalError()
		return fmt.Errorf("failed to append record: %w", err)
	}

	j.nextIdx++
	j.oldest += pruned
	metrics.RecordJournalAppend(len(encoded))

	return nil
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	var records []Record

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(indexKey(math.MaxUint64)); it.Valid() && len(records) < n; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			rec, err := j.decodeRecord(val)
			if err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Replay streams records with index >= from, oldest first. A non-nil error
// from fn stops the replay and is returned to the caller.
func (j *Journal) Replay(ctx context.Context, from uint64, fn func(Record) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(indexKey(from)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			rec, err := j.decodeRecord(val)
			if err != nil {
				return err
			}

			if err := fn(rec); err != nil {
				return err
			}
		}

		return nil
	})
}

// Stats returns a snapshot of the journal.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Stats{Records: j.nextIdx - j.oldest}
	if s.Records > 0 {
		s.OldestIndex = j.oldest
		s.NewestIndex = j.nextIdx - 1
	}

	return s
}

// Len returns the number of records currently held.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.nextIdx - j.oldest
}

// Close flushes and closes the underlying database. Appends after Close
// return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	return j.db.Close()
}

// decodeRecord unmarshals a stored record and decompresses its payload.
func (j *Journal) decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	payload, err := j.codec.Decode(rec.Payload, rec.Encoding)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode payload for record %d: %w", rec.Index, err)
	}

	rec.Payload = payload

	return rec, nil
}

// indexKey encodes a journal index as an 8-byte big-endian key.
func indexKey(idx uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], idx)

	return k[:]
}
