package snapshot

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists snapshots in a MongoDB collection, one document
// per (kind, key) pair.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoRecord struct {
	Kind    string    `bson:"kind"`
	Key     string    `bson:"key"`
	Data    []byte    `bson:"data"`
	SavedAt time.Time `bson:"saved_at"`
}

// NewMongoStore constructs a Store over db's "snapshots" collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("snapshots")}
}

var _ Store = (*MongoStore)(nil)

func (s *MongoStore) Save(ctx context.Context, rec Record) error {
	filter := bson.M{"kind": rec.Kind, "key": rec.Key}
	doc := mongoRecord{
		Kind:    rec.Kind,
		Key:     rec.Key,
		Data:    rec.Data,
		SavedAt: rec.SavedAt,
	}
	_, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Load(ctx context.Context, kind, key string) (*Record, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"kind": kind, "key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &Record{
		Kind:    doc.Kind,
		Key:     doc.Key,
		Data:    doc.Data,
		SavedAt: doc.SavedAt,
	}, nil
}

func (s *MongoStore) Keys(ctx context.Context, kind string) ([]string, error) {
	opts := options.Find().SetSort(bson.M{"key": 1}).SetProjection(bson.M{"key": 1})
	cur, err := s.coll.Find(ctx, bson.M{"kind": kind}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		keys = append(keys, doc.Key)
	}
	return keys, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, kind, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"kind": kind, "key": key})
	return err
}
