package store

import (
	"context"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"snakkaz-e2ee/internal/cryptocore"
)

type Store struct {
	DB *gorm.DB

	sealingKey *cryptocore.SymmetricKey
}

type Option func(*Store)

// WithSealingKey encrypts session records before they reach the database.
func WithSealingKey(key cryptocore.SymmetricKey) Option {
	return func(s *Store) {
		k := key
		s.sealingKey = &k
	}
}

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{DB: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, sealingKey: s.sealingKey})
	})
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&ConversationRatchet{})
}

type Config struct {
	// DSN is a postgres URL, or "sqlite:<path>" for a local file database.
	DSN    string
	LogSQL bool
}

// Open connects to the database named by cfg.DSN.
func Open(cfg Config) (*gorm.DB, error) {
	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	gcfg := &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	}
	if path, ok := strings.CutPrefix(cfg.DSN, "sqlite:"); ok {
		return gorm.Open(sqlite.Open(path), gcfg)
	}
	return gorm.Open(postgres.Open(cfg.DSN), gcfg)
}
