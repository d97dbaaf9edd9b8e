// Package store persists a manifest of known weight files and their
// benchmark history in a local BadgerDB. It never stores evaluation
// results, only file metadata and timings.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

// Key prefixes.
const (
	prefixModel = "model/"
	prefixBench = "bench/"
)

// Entry describes one registered weight file.
type Entry struct {
	Path       string    `json:"path"`
	Digest     uint64    `json:"digest"`
	InputC     int       `json:"input_c"`
	TrunkC     int       `json:"trunk_c"`
	Blocks     int       `json:"blocks"`
	PolicyC    int       `json:"policy_c"`
	ValueC     int       `json:"value_c"`
	PolicySize int       `json:"policy_size"`
	ParamCount int64     `json:"param_count"`
	AddedAt    time.Time `json:"added_at"`
}

// BenchResult is one benchmark run of a registered model.
type BenchResult struct {
	Digest  uint64        `json:"digest"`
	Evals   int           `json:"evals"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

// EvalsPerSecond returns the benchmark throughput.
func (r BenchResult) EvalsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Evals) / r.Elapsed.Seconds()
}

// Store wraps BadgerDB for manifest persistence.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the manifest database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// FileDigest returns the xxhash64 digest of a file's contents.
func FileDigest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}

func modelKey(digest uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixModel, digest))
}

func benchKey(digest uint64, at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%016x/%020d", prefixBench, digest, at.UnixNano()))
}

// PutModel registers or updates a model entry.
func (s *Store) PutModel(e Entry) error {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(modelKey(e.Digest), data)
	})
}

// GetModel returns the entry for a digest, or nil if unknown.
func (s *Store) GetModel(digest uint64) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(modelKey(digest))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e = new(Entry)
			return json.Unmarshal(val, e)
		})
	})
	return e, err
}

// ListModels returns all registered models.
func (s *Store) ListModels() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixModel)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// RecordBench appends a benchmark result for a model.
func (s *Store) RecordBench(r BenchResult) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(benchKey(r.Digest, r.At), data)
	})
}

// ListBench returns the benchmark history of a model, oldest first.
func (s *Store) ListBench(digest uint64) ([]BenchResult, error) {
	var out []BenchResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("%s%016x/", prefixBench, digest))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r BenchResult
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
