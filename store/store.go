// Package store persists users, links, settings and deletion obligations in
// sqlite through gorm.
package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"filelink-bot/model"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Defaults seed settings that have never been written.
type Defaults struct {
	Admins            []int64
	FileDeleteTime    time.Duration
	MessageDeleteTime time.Duration
}

func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "database handle")
	}
	// sqlite allows one writer; a single connection turns lock errors into waits.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.User{},
		&model.File{},
		&model.Batch{},
		&model.ChannelRequirement{},
		&model.DeletionObligation{},
		&model.JoinRequest{},
		&model.Setting{},
	)
	if err != nil {
		return nil, errors.Wrap(err, "migrate")
	}

	return &Store{db: db, log: log.Named("store")}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureDefaults writes each default only when the setting is absent.
func (s *Store) EnsureDefaults(ctx context.Context, d Defaults) error {
	admins := d.Admins
	if admins == nil {
		admins = []int64{}
	}
	entries := map[string]interface{}{
		model.SettingAdmins:            admins,
		model.SettingFileDeleteTime:    int64(d.FileDeleteTime / time.Second),
		model.SettingMessageDeleteTime: int64(d.MessageDeleteTime / time.Second),
	}
	for key, value := range entries {
		created, err := s.ensureSetting(ctx, key, value)
		if err != nil {
			return err
		}
		if created {
			s.log.Info("setting initialised", zap.String("key", key), zap.Any("value", value))
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return err
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
