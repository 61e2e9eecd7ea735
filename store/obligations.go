package store

import (
	"context"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"
)

// AddObligation records a deletion. A second obligation for the same message
// is ignored so the first FireAt stays authoritative.
func (s *Store) AddObligation(ctx context.Context, chatID int64, messageID int, fireAt time.Time) error {
	o := model.DeletionObligation{
		ChatID:    chatID,
		MessageID: messageID,
		FireAt:    utc(fireAt),
		CreatedAt: time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&o)
	return errors.Wrapf(res.Error, "add obligation %d/%d", chatID, messageID)
}

// DueObligations returns unfulfilled obligations whose FireAt has passed.
func (s *Store) DueObligations(ctx context.Context, now time.Time, limit int) ([]model.DeletionObligation, error) {
	var out []model.DeletionObligation
	q := s.db.WithContext(ctx).
		Where("fulfilled = ? AND fire_at <= ?", false, utc(now)).
		Order("fire_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "due obligations")
	}
	return out, nil
}

// ClaimObligation takes a lease on an obligation until the given time. Only
// one caller can hold an unexpired lease on an unfulfilled obligation.
func (s *Store) ClaimObligation(ctx context.Context, id uint, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.DeletionObligation{}).
		Where("id = ? AND fulfilled = ? AND claimed_until <= ?", id, false, utc(now)).
		Update("claimed_until", utc(until))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "claim obligation %d", id)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseObligation drops the lease so the next sweep retries it.
func (s *Store) ReleaseObligation(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&model.DeletionObligation{}).
		Where("id = ? AND fulfilled = ?", id, false).
		Update("claimed_until", time.Time{}.UTC())
	return errors.Wrapf(res.Error, "release obligation %d", id)
}

// MarkFulfilled flips Fulfilled once. It reports false when another sweep
// got there first.
func (s *Store) MarkFulfilled(ctx context.Context, id uint, at time.Time) (bool, error) {
	at = utc(at)
	res := s.db.WithContext(ctx).Model(&model.DeletionObligation{}).
		Where("id = ? AND fulfilled = ?", id, false).
		Updates(map[string]interface{}{"fulfilled": true, "fulfilled_at": &at})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "fulfil obligation %d", id)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Obligation(ctx context.Context, chatID int64, messageID int) (*model.DeletionObligation, error) {
	var o model.DeletionObligation
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		First(&o).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *Store) CountObligations(ctx context.Context) (total, pending int64, err error) {
	if err = s.db.WithContext(ctx).Model(&model.DeletionObligation{}).Count(&total).Error; err != nil {
		return 0, 0, errors.Wrap(err, "count obligations")
	}
	err = s.db.WithContext(ctx).Model(&model.DeletionObligation{}).
		Where("fulfilled = ?", false).
		Count(&pending).Error
	return total, pending, errors.Wrap(err, "count pending obligations")
}
