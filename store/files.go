package store

import (
	"context"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateFile(ctx context.Context, f *model.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(f)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "create file %s", f.Token)
	}
	if res.RowsAffected == 0 {
		return model.ErrDuplicate
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, token string) (*model.File, error) {
	var f model.File
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&f).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (s *Store) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(b)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "create batch %s", b.Token)
	}
	if res.RowsAffected == 0 {
		return model.ErrDuplicate
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, token string) (*model.Batch, error) {
	var b model.Batch
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&b).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}
