package mongostore

import (
	"context"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) AddObligation(ctx context.Context, chatID int64, messageID int, fireAt time.Time) error {
	seq, err := s.nextSeq(ctx, collObligations)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collObligations).InsertOne(ctx, model.DeletionObligation{
		ID:        seq,
		ChatID:    chatID,
		MessageID: messageID,
		FireAt:    fireAt.UTC(),
		CreatedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return errors.Wrapf(err, "add obligation %d/%d", chatID, messageID)
}

func (s *Store) DueObligations(ctx context.Context, now time.Time, limit int) ([]model.DeletionObligation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collObligations).Find(ctx,
		bson.M{"fulfilled": false, "fire_at": bson.M{"$lte": now.UTC()}},
		opts,
	)
	if err != nil {
		return nil, errors.Wrap(err, "due obligations")
	}
	var out []model.DeletionObligation
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode obligations")
	}
	return out, nil
}

func (s *Store) ClaimObligation(ctx context.Context, id uint, now, until time.Time) (bool, error) {
	res, err := s.db.Collection(collObligations).UpdateOne(ctx,
		bson.M{"seq": id, "fulfilled": false, "claimed_until": bson.M{"$lte": now.UTC()}},
		bson.M{"$set": bson.M{"claimed_until": until.UTC()}},
	)
	if err != nil {
		return false, errors.Wrapf(err, "claim obligation %d", id)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) ReleaseObligation(ctx context.Context, id uint) error {
	_, err := s.db.Collection(collObligations).UpdateOne(ctx,
		bson.M{"seq": id, "fulfilled": false},
		bson.M{"$set": bson.M{"claimed_until": time.Time{}}},
	)
	return errors.Wrapf(err, "release obligation %d", id)
}

func (s *Store) MarkFulfilled(ctx context.Context, id uint, at time.Time) (bool, error) {
	res, err := s.db.Collection(collObligations).UpdateOne(ctx,
		bson.M{"seq": id, "fulfilled": false},
		bson.M{"$set": bson.M{"fulfilled": true, "fulfilled_at": at.UTC()}},
	)
	if err != nil {
		return false, errors.Wrapf(err, "fulfil obligation %d", id)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) Obligation(ctx context.Context, chatID int64, messageID int) (*model.DeletionObligation, error) {
	var o model.DeletionObligation
	err := s.db.Collection(collObligations).
		FindOne(ctx, bson.M{"chat_id": chatID, "message_id": messageID}).
		Decode(&o)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *Store) CountObligations(ctx context.Context) (total, pending int64, err error) {
	coll := s.db.Collection(collObligations)
	if total, err = coll.CountDocuments(ctx, bson.M{}); err != nil {
		return 0, 0, errors.Wrap(err, "count obligations")
	}
	pending, err = coll.CountDocuments(ctx, bson.M{"fulfilled": false})
	return total, pending, errors.Wrap(err, "count pending obligations")
}
