package crdtstorage

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoEntry is the on-disk shape of one Storage entry: the key's
// "/"-joined string form as _id, plus the opaque value bytes.
type mongoEntry struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

// MongoDBAdapter is a MongoDB-backed Storage. Grounded on the teacher's
// MongoDBAdapter, narrowed from whole-Document upsert/find to the
// generic key/value contract: one collection, _id holding the key's
// path string, value holding the opaque blob a Document snapshot or
// incremental change serializes to.
type MongoDBAdapter struct {
	collection *mongo.Collection
}

// NewMongoDBAdapter wraps an existing collection. The collection, and
// the client backing it, are externally owned.
func NewMongoDBAdapter(collection *mongo.Collection) *MongoDBAdapter {
	return &MongoDBAdapter{collection: collection}
}

func (a *MongoDBAdapter) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	var entry mongoEntry
	err := a.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "loading %s", key.String())
	}
	return entry.Value, true, nil
}

// LoadRange matches every document whose _id equals prefix or begins
// with prefix followed by "/", via a regex anchored at the start of
// the string.
func (a *MongoDBAdapter) LoadRange(ctx context.Context, prefix Key) ([]KV, error) {
	p := prefix.String()
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexpQuoteMeta(p) + "(/|$)"}}
	cursor, err := a.collection.Find(ctx, filter, options.Find())
	if err != nil {
		return nil, errors.Wrap(err, "querying range")
	}
	defer cursor.Close(ctx)

	var out []KV
	for cursor.Next(ctx) {
		var entry mongoEntry
		if err := cursor.Decode(&entry); err != nil {
			return nil, errors.Wrap(err, "decoding entry")
		}
		out = append(out, KV{Key: ParseKey(entry.ID), Value: entry.Value})
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating range")
	}
	return out, nil
}

func (a *MongoDBAdapter) Put(ctx context.Context, key Key, value []byte) error {
	opts := options.Replace().SetUpsert(true)
	entry := mongoEntry{ID: key.String(), Value: value}
	_, err := a.collection.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry, opts)
	return errors.Wrapf(err, "storing %s", key.String())
}

func (a *MongoDBAdapter) Delete(ctx context.Context, key Key) error {
	_, err := a.collection.DeleteOne(ctx, bson.M{"_id": key.String()})
	return errors.Wrapf(err, "deleting %s", key.String())
}

// Close is a no-op: the collection's client is externally managed.
func (a *MongoDBAdapter) Close() error { return nil }

// regexpQuoteMeta escapes MongoDB regex metacharacters in a literal
// key prefix so LoadRange never treats a document id as a pattern.
func regexpQuoteMeta(s string) string {
	special := `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		for j := 0; j < len(special); j++ {
			if c == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, c)
	}
	return string(out)
}
