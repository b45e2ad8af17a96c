package compressioncache

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Key namespaces. Metadata is kept apart from payloads so listing never
// loads compressed bytes.
const (
	prefixMeta = "m:"
	prefixData = "d:"
)

// BadgerStore persists entries in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a database in dir.
func OpenBadgerStore(dir string, logger log.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database %s: %w", dir, err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an open database. The store takes ownership of db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get ...
func (s *BadgerStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMeta + key))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &entry.Meta)
		}); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}

		item, err = txn.Get([]byte(prefixData + key))
		if err != nil {
			return err
		}
		entry.Data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List ...
func (s *BadgerStore) List(ctx context.Context) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMeta)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m Meta
				if err := msgpack.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("decode metadata %s: %w", it.Item().Key(), err)
				}
				metas = append(metas, m)
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
	return metas, nil
}

// Write applies the batch in a single transaction.
func (s *BadgerStore) Write(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range batch.Deletes {
			if err := txn.Delete([]byte(prefixMeta + key)); err != nil {
				return err
			}
			if err := txn.Delete([]byte(prefixData + key)); err != nil {
				return err
			}
		}

		if batch.Put == nil {
			return nil
		}

		meta, err := msgpack.Marshal(batch.Put.Meta)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if err := txn.Set([]byte(prefixMeta+batch.Put.Key), meta); err != nil {
			return err
		}
		return txn.Set([]byte(prefixData+batch.Put.Key), batch.Put.Data)
	})
}

// Clear ...
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixMeta, prefixData} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)

			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

// Close ...
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's logs to the ingest logger. Badger's info
// output is noisy, so it is demoted to debug.
type badgerLogger struct {
	logger log.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}
