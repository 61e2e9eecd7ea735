package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"filelink-bot/model"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) getSetting(ctx context.Context, key string, out interface{}) (string, error) {
	var st model.Setting
	if err := s.db.Collection(collSettings).FindOne(ctx, bson.M{"_id": key}).Decode(&st); err != nil {
		return "", notFound(err)
	}
	return st.Value, errors.Wrapf(json.Unmarshal([]byte(st.Value), out), "decode setting %s", key)
}

func (s *Store) putSetting(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode setting %s", key)
	}
	_, err = s.db.Collection(collSettings).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": string(raw)}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "put setting %s", key)
}

func (s *Store) Admins(ctx context.Context) ([]int64, error) {
	var admins []int64
	_, err := s.getSetting(ctx, model.SettingAdmins, &admins)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return admins, err
}

// updateAdmins applies fn to the admin list with compare-and-swap on the
// stored JSON so concurrent edits are not lost.
func (s *Store) updateAdmins(ctx context.Context, fn func([]int64) ([]int64, bool)) (bool, error) {
	coll := s.db.Collection(collSettings)
	for i := 0; i < casAttempts; i++ {
		var admins []int64
		old, err := s.getSetting(ctx, model.SettingAdmins, &admins)
		missing := errors.Is(err, model.ErrNotFound)
		if err != nil && !missing {
			return false, err
		}

		next, changed := fn(admins)
		if !changed {
			return false, nil
		}
		if next == nil {
			next = []int64{}
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return false, errors.Wrap(err, "encode admins")
		}

		if missing {
			_, err = coll.InsertOne(ctx, model.Setting{Key: model.SettingAdmins, Value: string(raw)})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return err == nil, errors.Wrap(err, "insert admins")
		}
		res, err := coll.UpdateOne(ctx,
			bson.M{"_id": model.SettingAdmins, "value": old},
			bson.M{"$set": bson.M{"value": string(raw)}},
		)
		if err != nil {
			return false, errors.Wrap(err, "update admins")
		}
		if res.MatchedCount == 1 {
			return true, nil
		}
	}
	return false, errors.New("admin list changed concurrently, giving up")
}

func (s *Store) AddAdmin(ctx context.Context, id int64) (bool, error) {
	return s.updateAdmins(ctx, func(admins []int64) ([]int64, bool) {
		for _, a := range admins {
			if a == id {
				return admins, false
			}
		}
		return append(admins, id), true
	})
}

func (s *Store) RemoveAdmin(ctx context.Context, id int64) (bool, error) {
	return s.updateAdmins(ctx, func(admins []int64) ([]int64, bool) {
		out := make([]int64, 0, len(admins))
		for _, a := range admins {
			if a != id {
				out = append(out, a)
			}
		}
		return out, len(out) != len(admins)
	})
}

func (s *Store) DeleteDelays(ctx context.Context) (file, notice time.Duration, err error) {
	var fileSec, noticeSec int64
	if _, err := s.getSetting(ctx, model.SettingFileDeleteTime, &fileSec); err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, 0, err
	}
	if _, err := s.getSetting(ctx, model.SettingMessageDeleteTime, &noticeSec); err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, 0, err
	}
	return time.Duration(fileSec) * time.Second, time.Duration(noticeSec) * time.Second, nil
}

func (s *Store) SetFileDeleteTime(ctx context.Context, d time.Duration) error {
	return s.putSetting(ctx, model.SettingFileDeleteTime, int64(d/time.Second))
}

func (s *Store) SetMessageDeleteTime(ctx context.Context, d time.Duration) error {
	return s.putSetting(ctx, model.SettingMessageDeleteTime, int64(d/time.Second))
}

func (s *Store) Requirements(ctx context.Context) ([]model.ChannelRequirement, error) {
	cur, err := s.db.Collection(collRequirements).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "load requirements")
	}
	var out []model.ChannelRequirement
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode requirements")
	}
	return out, nil
}

// PutRequirement replaces an existing entry in place or appends a new one.
func (s *Store) PutRequirement(ctx context.Context, r *model.ChannelRequirement) error {
	if !r.Method.Valid() {
		return errors.Errorf("invalid join method %q", r.Method)
	}
	coll := s.db.Collection(collRequirements)
	fields := bson.M{"channel_id": r.ChannelID, "title": r.Title, "method": r.Method, "enabled": r.Enabled}

	for i := 0; i < casAttempts; i++ {
		res, err := coll.UpdateOne(ctx, bson.M{"_id": r.Key}, bson.M{"$set": fields})
		if err != nil {
			return errors.Wrapf(err, "update requirement %s", r.Key)
		}
		if res.MatchedCount == 1 {
			return nil
		}

		seq, err := s.nextSeq(ctx, collRequirements)
		if err != nil {
			return err
		}
		r.ID = seq
		_, err = coll.InsertOne(ctx, r)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		return errors.Wrapf(err, "insert requirement %s", r.Key)
	}
	return errors.Errorf("requirement %s changed concurrently, giving up", r.Key)
}

func (s *Store) RemoveRequirement(ctx context.Context, key string) error {
	res, err := s.db.Collection(collRequirements).DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return errors.Wrapf(err, "remove requirement %s", key)
	}
	if res.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) AddJoinRequest(ctx context.Context, chatID, userID int64) (bool, error) {
	_, err := s.db.Collection(collJoinRequests).InsertOne(ctx, model.JoinRequest{
		ChatID:    chatID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "add join request %d/%d", chatID, userID)
	}
	return true, nil
}

func (s *Store) HasJoinRequest(ctx context.Context, chatID, userID int64) (bool, error) {
	n, err := s.db.Collection(collJoinRequests).CountDocuments(ctx,
		bson.M{"chat_id": chatID, "user_id": userID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "lookup join request %d/%d", chatID, userID)
	}
	return n > 0, nil
}
