// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/storage"
	"github.com/samber/oops"
)

// LevelDBStore keeps keys in an embedded LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
}

var _ Store = (*LevelDBStore)(nil)

// OpenLevelDB opens or creates the database directory at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, oops.In("store").Code(CodeOpenFailed).Errorf("leveldb path is empty")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, oops.In("store").
			Code(CodeOpenFailed).
			With("path", path).
			Hint("another trinity process may hold the database lock").
			Wrap(err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenMemory opens a LevelDB database held in memory.
func OpenMemory() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, oops.In("store").Code(CodeOpenFailed).Wrap(err)
	}
	return &LevelDBStore{db: db}, nil
}

// Get implements Store.
func (s *LevelDBStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	value, err := s.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, oops.In("store").Code(CodeReadFailed).With("key", key).Wrap(err)
	}
	return string(value), true, nil
}

// Set implements Store.
func (s *LevelDBStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Put([]byte(key), []byte(value), nil); err != nil {
		return oops.In("store").Code(CodeWriteFailed).With("key", key).Wrap(err)
	}
	return nil
}

// Delete implements Store.
func (s *LevelDBStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return oops.In("store").Code(CodeWriteFailed).With("key", key).Wrap(err)
	}
	return nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
