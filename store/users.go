package store

import (
	"context"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureUser creates the user on first interaction and reports whether it did.
func (s *Store) EnsureUser(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.User{ID: id})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "ensure user %d", id)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// IncrementFilesReceived adds n to the counter in a single statement,
// creating the user when needed.
func (s *Store) IncrementFilesReceived(ctx context.Context, id int64, n int64) error {
	if n <= 0 {
		return nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"files_received": gorm.Expr("files_received + ?", n),
				"updated_at":     time.Now().UTC(),
			}),
		}).
		Create(&model.User{ID: id, FilesReceived: n})
	return errors.Wrapf(res.Error, "increment files received for %d", id)
}

func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"banned":     banned,
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&model.User{ID: id, Banned: banned})
	return errors.Wrapf(res.Error, "set banned for %d", id)
}

func (s *Store) IsBanned(ctx context.Context, id int64) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Banned, nil
}
