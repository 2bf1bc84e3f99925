// Package diskstore persists entries in LevelDB so a restart keeps the warm set.
package diskstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

const Kind = "leveldb"

const entryPrefix = "e:"

func init() {
	backends.Register(Kind, func(_ context.Context, o backends.Options) (cache.Store, error) {
		if o.LevelDBPath == "" {
			return nil, errors.New("leveldb path is required")
		}
		// one database per namespace; LevelDB holds an exclusive lock on its directory
		dir := o.LevelDBPath
		if o.Namespace != "" {
			dir = filepath.Join(dir, o.Namespace)
		}
		return Open(dir, o.Prefix(), o.Now)
	})
}

type Store struct {
	db     *leveldb.DB
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// Open opens or creates the database at dir.
func Open(dir, prefix string, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create leveldb dir %s", dir)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb at %s", dir)
	}
	return &Store{db: db, prefix: prefix, now: cache.Clock(now)}, nil
}

// OpenMem is a volatile store used by tests.
func OpenMem(prefix string, now func() time.Time) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory leveldb")
	}
	return &Store{db: db, prefix: prefix, now: cache.Clock(now)}, nil
}

func dbKey(key string) []byte {
	return []byte(entryPrefix + key)
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	b, err := s.db.Get(dbKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "leveldb get %q", key)
	}
	if err != nil {
		return cache.Entry{}, errors.Wrapf(cache.ErrBackendUnavailable, "leveldb get %q: %v", key, err)
	}
	e, err := cache.Decode(b)
	if err != nil {
		return cache.Entry{}, errors.Wrapf(err, "leveldb get %q", key)
	}
	if e.Expired(s.now()) {
		_ = s.db.Delete(dbKey(key), nil)
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "leveldb get %q: expired", key)
	}
	return e, nil
}

func (s *Store) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, s.now())
	if err != nil {
		return err
	}
	b, err := cache.Encode(e)
	if err != nil {
		return err
	}
	if err := s.db.Put(dbKey(key), b, nil); err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "leveldb put %q: %v", key, err)
	}
	return nil
}

// HasAny walks the namespace and drops expired entries it passes on the way.
func (s *Store) HasAny(_ context.Context) (bool, error) {
	it := s.db.NewIterator(util.BytesPrefix(dbKey(s.prefix)), nil)
	defer it.Release()

	now := s.now()
	batch := new(leveldb.Batch)
	found := false
	for it.Next() {
		e, err := cache.Decode(it.Value())
		if err != nil || e.Expired(now) {
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		found = true
		break
	}
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(cache.ErrBackendUnavailable, "leveldb scan: %v", err)
	}
	if batch.Len() > 0 {
		_ = s.db.Write(batch, nil)
	}
	return found, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(dbKey(k))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "leveldb delete %d keys: %v", len(keys), err)
	}
	return nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close leveldb")
}
