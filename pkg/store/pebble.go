package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"scenedb/pkg/logger"
)

// PebbleBackend is the durable Backend used by the server binary.
type PebbleBackend struct {
	db   *pebble.DB
	path string
}

// OpenPebble opens (or creates) a Pebble database at the given path.
func OpenPebble(path string) (*PebbleBackend, error) {
	logger.Log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	logger.Log.Info("pebble_opened", zap.String("path", path))
	return &PebbleBackend{db: db, path: path}, nil
}

func (b *PebbleBackend) Get(key []byte) ([]byte, error) {
	v, closer, err := b.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func (b *PebbleBackend) Set(key, value []byte) error {
	return b.db.Set(key, value, pebble.Sync)
}

func (b *PebbleBackend) Delete(key []byte) error {
	return b.db.Delete(key, pebble.Sync)
}

func (b *PebbleBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (b *PebbleBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	logger.Log.Info("pebble_closed", zap.String("path", b.path))
	return err
}
