package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
)

// sqlEntry is one key. Rows whose ExpiresAt has passed are treated as absent
// and purged by Sweep.
type sqlEntry struct {
	Key       string     `gorm:"column:entry_key;primaryKey;size:255"`
	Value     []byte     `gorm:"column:entry_value"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (sqlEntry) TableName() string { return "kv_entries" }

func (e sqlEntry) live(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// OpenSQL opens a gorm connection for the given driver ("postgres" or
// "sqlite") and migrates the entry table.
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite has a single writer; one connection keeps updates serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&sqlEntry{}); err != nil {
		return nil, fmt.Errorf("migrate kv_entries: %w", err)
	}
	return db, nil
}

// SQLStore backs the store with a relational table through gorm. Update locks
// the row with SELECT ... FOR UPDATE inside a transaction; a placeholder row is
// inserted first so that two writers racing on a new key still serialize.
type SQLStore struct {
	db     *gorm.DB
	prefix string
	now    func() time.Time
}

func NewSQLStore(db *gorm.DB, prefix string) *SQLStore {
	return &SQLStore{db: db, prefix: prefix, now: time.Now}
}

func (s *SQLStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *SQLStore) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl).UTC()
	return &t
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e sqlEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", s.key(key)).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !e.live(s.now())) {
		observability.RecordStoreOperation(ctx, "sql", "get", "not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		observability.RecordStoreOperation(ctx, "sql", "get", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "sql", "get", "success")
	return e.Value, nil
}

func (s *SQLStore) upsert(tx *gorm.DB, key string, value []byte, ttl time.Duration) error {
	e := sqlEntry{Key: key, Value: value, ExpiresAt: s.expiry(ttl), UpdatedAt: s.now().UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "expires_at", "updated_at"}),
	}).Create(&e).Error
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.upsert(s.db.WithContext(ctx), s.key(key), value, ttl); err != nil {
		observability.RecordStoreOperation(ctx, "sql", "set", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "sql", "set", "success")
	return nil
}

func (s *SQLStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := s.Update(ctx, key, func(_ []byte, found bool) (Mutation, error) {
		if found {
			stored = false
			return Keep(), nil
		}
		stored = true
		return Put(value, ttl), nil
	})
	return stored, err
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(k))
	}
	if err := s.db.WithContext(ctx).Where("entry_key IN ?", full).Delete(&sqlEntry{}).Error; err != nil {
		observability.RecordStoreOperation(ctx, "sql", "delete", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "sql", "delete", "success")
	return nil
}

func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := s.key(key)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := time.Unix(0, 0).UTC()
		placeholder := sqlEntry{Key: k, ExpiresAt: &expired, UpdatedAt: s.now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return err
		}
		var e sqlEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("entry_key = ?", k).Take(&e).Error; err != nil {
			return err
		}
		found := e.live(s.now())
		var current []byte
		if found {
			current = e.Value
		}
		m, err := fn(current, found)
		if err != nil {
			return err
		}
		switch {
		case m.Keep:
			if !found {
				return tx.Where("entry_key = ?", k).Delete(&sqlEntry{}).Error
			}
			return nil
		case m.Delete:
			return tx.Where("entry_key = ?", k).Delete(&sqlEntry{}).Error
		default:
			return s.upsert(tx, k, m.Value, m.TTL)
		}
	})
	if err != nil {
		observability.RecordStoreOperation(ctx, "sql", "update", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "sql", "update", "success")
	return nil
}

func (s *SQLStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var e sqlEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", s.key(key)).Take(&e).Error
	now := s.now()
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !e.live(now)) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if e.ExpiresAt == nil {
		return 0, nil
	}
	return e.ExpiresAt.Sub(now), nil
}

// Sweep deletes expired rows.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&sqlEntry{})
	if res.Error != nil {
		observability.RecordStoreOperation(ctx, "sql", "sweep", "error")
		return 0, res.Error
	}
	observability.RecordStoreOperation(ctx, "sql", "sweep", "success")
	return res.RowsAffected, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
