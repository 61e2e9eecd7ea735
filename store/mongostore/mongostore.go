// Package mongostore is the MongoDB backend. It mirrors the sqlite store
// method for method so either can be selected at startup.
package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"filelink-bot/model"
	"filelink-bot/store"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collUsers        = "users"
	collFiles        = "files"
	collBatches      = "batches"
	collRequirements = "force_sub"
	collObligations  = "del_schedule"
	collJoinRequests = "request_joins"
	collSettings     = "config"
	collCounters     = "counters"

	casAttempts = 5
)

var _ store.Backend = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

func Open(ctx context.Context, uri, database string, log *zap.Logger) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}

	s := &Store{client: client, db: client.Database(database), log: log.Named("mongostore")}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collObligations: {
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "fulfilled", Value: 1}, {Key: "fire_at", Value: 1}}},
		},
		collRequirements: {
			{Keys: bson.D{{Key: "seq", Value: 1}}},
		},
		collJoinRequests: {
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collBatches: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "create indexes on %s", coll)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Drop removes the whole database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// nextSeq hands out increasing ids per sequence name.
func (s *Store) nextSeq(ctx context.Context, name string) (uint, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errors.Wrapf(err, "next %s seq", name)
	}
	return uint(doc.Seq), nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.ErrNotFound
	}
	return err
}

func (s *Store) EnsureDefaults(ctx context.Context, d store.Defaults) error {
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
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "encode setting %s", key)
		}
		res, err := s.db.Collection(collSettings).UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{"$setOnInsert": bson.M{"value": string(raw)}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return errors.Wrapf(err, "ensure setting %s", key)
		}
		if res.UpsertedCount == 1 {
			s.log.Info("setting initialised", zap.String("key", key), zap.Any("value", value))
		}
	}
	return nil
}

func (s *Store) EnsureUser(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$setOnInsert": bson.M{"files_received": int64(0), "banned": false, "created_at": now, "updated_at": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, errors.Wrapf(err, "ensure user %d", id)
	}
	return res.UpsertedCount == 1, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) IncrementFilesReceived(ctx context.Context, id int64, n int64) error {
	if n <= 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc":         bson.M{"files_received": n},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"banned": false, "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "increment files received for %d", id)
}

func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         bson.M{"banned": banned, "updated_at": now},
			"$setOnInsert": bson.M{"files_received": int64(0), "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "set banned for %d", id)
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

func (s *Store) CreateFile(ctx context.Context, f *model.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collFiles).InsertOne(ctx, f)
	if mongo.IsDuplicateKeyError(err) {
		return model.ErrDuplicate
	}
	return errors.Wrapf(err, "create file %s", f.Token)
}

func (s *Store) GetFile(ctx context.Context, token string) (*model.File, error) {
	var f model.File
	if err := s.db.Collection(collFiles).FindOne(ctx, bson.M{"_id": token}).Decode(&f); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (s *Store) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collBatches).InsertOne(ctx, b)
	if mongo.IsDuplicateKeyError(err) {
		return model.ErrDuplicate
	}
	return errors.Wrapf(err, "create batch %s", b.Token)
}

func (s *Store) GetBatch(ctx context.Context, token string) (*model.Batch, error) {
	var b model.Batch
	if err := s.db.Collection(collBatches).FindOne(ctx, bson.M{"_id": token}).Decode(&b); err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}
