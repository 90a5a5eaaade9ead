// Package badger implements the embedded key/value persistence bridge
// (component R): one key per scope ("commands", device registries,
// configuration blobs owned by external collaborators), values are opaque
// byte blobs the caller (internal/store) has already encoded.
package badger

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "ebusd:"

func scopeKey(scope string) []byte {
	return []byte(keyPrefix + scope)
}

// Store wraps a BadgerDB instance as the generic scope -> blob backend
// consumed by internal/store.Backend.
type Store struct {
	db *badgerdb.DB
}

// Open opens (creating if necessary) a BadgerDB instance rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the blob stored under scope, or found == false if absent.
func (s *Store) Get(scope string) ([]byte, bool, error) {
	var value []byte
	found := true

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(scopeKey(scope))
		if err == badgerdb.ErrKeyNotFound {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("get scope %s: %w", scope, err)
	}
	return value, found, nil
}

// Put stores data under scope, overwriting any previous value.
func (s *Store) Put(scope string, data []byte) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(scopeKey(scope), data)
	})
	if err != nil {
		return fmt.Errorf("put scope %s: %w", scope, err)
	}
	return nil
}

// Delete removes scope's stored blob, if any.
func (s *Store) Delete(scope string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(scopeKey(scope))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete scope %s: %w", scope, err)
	}
	return nil
}

// RunGC triggers BadgerDB's value-log garbage collection, matching the
// teacher's periodic-maintenance pattern for its embedded store; call this
// from a low-frequency background tick, not the hot path.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badgerdb.ErrNoRewrite {
		return nil
	}
	return err
}

// Healthcheck reports whether the database is reachable, mirroring the
// teacher's store Healthcheck contract used by the admin surface's
// readiness probe.
func (s *Store) Healthcheck() error {
	return s.db.View(func(txn *badgerdb.Txn) error { return nil })
}
