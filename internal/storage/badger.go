package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"nasfront/internal/model"
)

// BadgerStore keeps records in an embedded badger database. Result and lineage
// keys carry a zero padded sequence number so prefix iteration returns them in
// append order. An empty path keeps the database in memory.
type BadgerStore struct {
	path string

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func runKey(id string) []byte {
	return []byte("run/" + id)
}

func resultPrefix(runID string) []byte {
	return []byte("result/" + runID + "/")
}

func lineagePrefix(runID string) []byte {
	return []byte("lineage/" + runID + "/")
}

func sequenceKey(prefix []byte, seq uint64) []byte {
	return append(append([]byte(nil), prefix...), []byte(fmt.Sprintf("%020d", seq))...)
}

func (s *BadgerStore) SaveRun(_ context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.ID), payload)
	})
}

func (s *BadgerStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}
	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.RunRecord{}, false, nil
	}
	if err != nil {
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, true, nil
}

func (s *BadgerStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.RunRecord
	err = db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("run/"), func(key string, payload []byte) error {
			run, err := DecodeRun(payload)
			if err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRuns(out)
	return out, nil
}

func (s *BadgerStore) AppendResult(_ context.Context, runID string, result model.SearchResult) error {
	payload, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return s.appendRecord(resultPrefix(runID), payload)
}

func (s *BadgerStore) LoadHistory(_ context.Context, runID string) ([]model.SearchResult, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.SearchResult
	err = db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, resultPrefix(runID), func(key string, payload []byte) error {
			result, err := DecodeResult(payload)
			if err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, result)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) AppendLineage(_ context.Context, runID string, record model.LineageRecord) error {
	payload, err := EncodeLineage(record)
	if err != nil {
		return err
	}
	return s.appendRecord(lineagePrefix(runID), payload)
}

func (s *BadgerStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var out []model.LineageRecord
	err = db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, lineagePrefix(runID), func(key string, payload []byte) error {
			record, err := DecodeLineage(payload)
			if err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, record)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, len(out) > 0, nil
}

// appendRecord stores payload under the next free sequence number of prefix.
// The count and the write share one transaction; a conflicting append is
// retried.
func (s *BadgerStore) appendRecord(prefix, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for {
		err := db.Update(func(txn *badger.Txn) error {
			var count uint64
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				count++
			}
			it.Close()
			return txn.Set(sequenceKey(prefix, count), payload)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key string, payload []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		payload, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		key := string(item.KeyCopy(nil))
		if err := fn(strings.TrimPrefix(key, string(prefix)), payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}
