package store

import (
	"context"
	"encoding/json"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) ensureSetting(ctx context.Context, key string, value interface{}) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, errors.Wrapf(err, "encode setting %s", key)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Setting{Key: key, Value: string(raw)})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "ensure setting %s", key)
	}
	return res.RowsAffected == 1, nil
}

func getSetting(db *gorm.DB, key string, out interface{}) error {
	var st model.Setting
	if err := db.Where("`key` = ?", key).First(&st).Error; err != nil {
		return notFound(err)
	}
	return errors.Wrapf(json.Unmarshal([]byte(st.Value), out), "decode setting %s", key)
}

func putSetting(db *gorm.DB, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode setting %s", key)
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&model.Setting{Key: key, Value: string(raw)})
	return errors.Wrapf(res.Error, "put setting %s", key)
}

func (s *Store) Admins(ctx context.Context) ([]int64, error) {
	var admins []int64
	err := getSetting(s.db.WithContext(ctx), model.SettingAdmins, &admins)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return admins, err
}

// AddAdmin reports false when the user already is an admin.
func (s *Store) AddAdmin(ctx context.Context, id int64) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admins []int64
		if err := getSetting(tx, model.SettingAdmins, &admins); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		for _, a := range admins {
			if a == id {
				return nil
			}
		}
		added = true
		return putSetting(tx, model.SettingAdmins, append(admins, id))
	})
	return added, err
}

func (s *Store) RemoveAdmin(ctx context.Context, id int64) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admins []int64
		if err := getSetting(tx, model.SettingAdmins, &admins); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			return err
		}
		kept := admins[:0]
		for _, a := range admins {
			if a == id {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return nil
		}
		return putSetting(tx, model.SettingAdmins, kept)
	})
	return removed, err
}

// DeleteDelays returns the file and notice deletion delays. Missing
// settings read as zero, which disables deletion.
func (s *Store) DeleteDelays(ctx context.Context) (file, notice time.Duration, err error) {
	db := s.db.WithContext(ctx)
	var fileSec, noticeSec int64
	if err := getSetting(db, model.SettingFileDeleteTime, &fileSec); err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, 0, err
	}
	if err := getSetting(db, model.SettingMessageDeleteTime, &noticeSec); err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, 0, err
	}
	return time.Duration(fileSec) * time.Second, time.Duration(noticeSec) * time.Second, nil
}

func (s *Store) SetFileDeleteTime(ctx context.Context, d time.Duration) error {
	return putSetting(s.db.WithContext(ctx), model.SettingFileDeleteTime, int64(d/time.Second))
}

func (s *Store) SetMessageDeleteTime(ctx context.Context, d time.Duration) error {
	return putSetting(s.db.WithContext(ctx), model.SettingMessageDeleteTime, int64(d/time.Second))
}

// Requirements returns every requirement in insertion order.
func (s *Store) Requirements(ctx context.Context) ([]model.ChannelRequirement, error) {
	var out []model.ChannelRequirement
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "load requirements")
	}
	return out, nil
}

// PutRequirement inserts or replaces the requirement stored under r.Key.
// Replacing keeps the original position.
func (s *Store) PutRequirement(ctx context.Context, r *model.ChannelRequirement) error {
	if !r.Method.Valid() {
		return errors.Errorf("invalid join method %q", r.Method)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel_id", "title", "method", "enabled"}),
	}).Create(r)
	return errors.Wrapf(res.Error, "put requirement %s", r.Key)
}

func (s *Store) RemoveRequirement(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where("`key` = ?", key).Delete(&model.ChannelRequirement{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "remove requirement %s", key)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// AddJoinRequest reports whether the entry was new.
func (s *Store) AddJoinRequest(ctx context.Context, chatID, userID int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.JoinRequest{ChatID: chatID, UserID: userID, CreatedAt: time.Now().UTC()})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "add join request %d/%d", chatID, userID)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) HasJoinRequest(ctx context.Context, chatID, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.JoinRequest{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "lookup join request %d/%d", chatID, userID)
	}
	return n > 0, nil
}
