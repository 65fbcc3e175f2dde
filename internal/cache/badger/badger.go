// Package badger implements cache.Cache on an embedded BadgerDB with
// per-entry TTLs.
package badger

import (
	"context"
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dialogd/dialogd/internal/cache"
	"github.com/dialogd/dialogd/internal/model"
)

type badgerCache struct {
	db *badgerdb.DB
}

// New opens (or creates) a badger database at dirPath.
func New(dirPath string) (cache.Cache, error) {
	opts := badgerdb.DefaultOptions(dirPath).
		WithLoggingLevel(badgerdb.ERROR)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerCache{db: db}, nil
}

func (c *badgerCache) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func (c *badgerCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		e := badgerdb.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *badgerCache) Delete(_ context.Context, key string) error {
	return c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (c *badgerCache) Close() error { return c.db.Close() }
