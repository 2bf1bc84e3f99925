// Package sqlstore keeps entries in a SQL table through GORM. SQLite is the bundled driver.
package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

const Kind = "sql"

const TableName = "warm_cache_entries"

func init() {
	backends.Register(Kind, func(ctx context.Context, o backends.Options) (cache.Store, error) {
		if o.SQLDSN == "" {
			return nil, errors.New("sql dsn is required")
		}
		db, err := OpenSQLite(o.SQLDSN)
		if err != nil {
			return nil, err
		}
		return New(ctx, db, o.Prefix(), o.Now)
	})
}

type row struct {
	Key       string         `gorm:"not null;primaryKey;size:255"`
	Payload   datatypes.JSON `gorm:"not null;type:json"`
	WrittenAt time.Time      `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"not null;index"`
}

type Store struct {
	db     *gorm.DB
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// OpenSQLite opens dsn with a single connection so ":memory:" databases stay shared.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite %s", dsn)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// New migrates the entries table and returns a store scoped to prefix.
func New(ctx context.Context, db *gorm.DB, prefix string, now func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.WithContext(ctx).Table(TableName).AutoMigrate(&row{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate cache table")
	}
	return &Store{db: db, prefix: prefix, now: cache.Clock(now)}, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	var r row
	err := s.db.WithContext(ctx).
		Table(TableName).
		Where("key = ?", key).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "sql get %q", key)
	}
	if err != nil {
		return cache.Entry{}, errors.Wrapf(cache.ErrBackendUnavailable, "sql get %q: %v", key, err)
	}
	e := cache.Entry{Key: r.Key, Payload: []byte(r.Payload), WrittenAt: r.WrittenAt, ExpiresAt: r.ExpiresAt}
	if e.Expired(s.now()) {
		return cache.Entry{}, errors.Wrapf(cache.ErrNotFound, "sql get %q: expired", key)
	}
	return e, nil
}

func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	e, err := cache.NewEntry(key, payload, ttl, s.now())
	if err != nil {
		return err
	}
	// stored as UTC text so range comparisons order correctly
	r := row{Key: e.Key, Payload: datatypes.JSON(e.Payload), WrittenAt: e.WrittenAt.UTC(), ExpiresAt: e.ExpiresAt.UTC()}
	err = s.db.WithContext(ctx).
		Table(TableName).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&r).Error
	if err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "sql set %q: %v", key, err)
	}
	return nil
}

func (s *Store) HasAny(ctx context.Context) (bool, error) {
	var n int64
	q := s.db.WithContext(ctx).Table(TableName).Where("expires_at > ?", s.now().UTC())
	if s.prefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", likePrefix(s.prefix))
	}
	if err := q.Limit(1).Count(&n).Error; err != nil {
		return false, errors.Wrapf(cache.ErrBackendUnavailable, "sql has any: %v", err)
	}
	return n > 0, nil
}

// Purge deletes rows that expired before now and returns how many went.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Table(TableName).Where("expires_at <= ?", s.now().UTC()).Delete(nil)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to purge expired entries")
	}
	return res.RowsAffected, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Table(TableName).
		Where("key IN ?", keys).
		Delete(nil).Error; err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "sql delete %d keys: %v", len(keys), err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "sql ping: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Wrapf(cache.ErrBackendUnavailable, "sql ping: %v", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close sql db")
}

func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}
