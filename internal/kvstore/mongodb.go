package kvstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names mirror the SQL table names.
const (
	mongoRefCount = "refcount"
	mongoModified = "modified"
	mongoRefFile  = "ref_file"
)

type refCountDoc struct {
	Bucket   string `bson:"bucket"`
	Hash     string `bson:"hash"`
	RefCount int64  `bson:"refcount"`
}

type modifiedDoc struct {
	Bucket   string `bson:"bucket"`
	Path     string `bson:"path"`
	Modified int64  `bson:"modified"`
}

type refFileDoc struct {
	Bucket string `bson:"bucket"`
	Path   string `bson:"path"`
	Hash   string `bson:"hash"`
}

// Mongo is a networked document backend. The driver keeps a connection pool of
// at most poolSize per server; operations past the bound wait for a connection.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to MongoDB and verifies the connection.
func OpenMongo(ctx context.Context, uri, database string, poolSize int) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri)
	if poolSize > 0 {
		opts.SetMaxPoolSize(uint64(poolSize))
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

// Setup creates the unique compound indexes. Collections are created implicitly.
func (m *Mongo) Setup(ctx context.Context) error {
	indexes := map[string]string{
		mongoRefCount: "hash",
		mongoModified: "path",
		mongoRefFile:  "path",
	}
	for coll, field := range indexes {
		model := mongo.IndexModel{
			Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: field, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
		if _, err := m.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("mongodb setup %s: %w", coll, err)
		}
	}
	return nil
}

func (m *Mongo) upsert(ctx context.Context, coll string, filter, set bson.M) error {
	_, err := m.db.Collection(coll).UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) GetRefCount(ctx context.Context, bucket, hash string) (int64, error) {
	var doc refCountDoc
	err := m.db.Collection(mongoRefCount).FindOne(ctx, bson.M{"bucket": bucket, "hash": hash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get refcount: %w", err)
	}
	return doc.RefCount, nil
}

func (m *Mongo) SetRefCount(ctx context.Context, bucket, hash string, n int64) error {
	if err := m.upsert(ctx, mongoRefCount, bson.M{"bucket": bucket, "hash": hash}, bson.M{"refcount": n}); err != nil {
		return fmt.Errorf("set refcount: %w", err)
	}
	return nil
}

func (m *Mongo) GetModified(ctx context.Context, bucket, path string) (int64, error) {
	var doc modifiedDoc
	err := m.db.Collection(mongoModified).FindOne(ctx, bson.M{"bucket": bucket, "path": path}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get modified: %w", err)
	}
	return doc.Modified, nil
}

func (m *Mongo) SetModified(ctx context.Context, bucket, path string, modified int64) error {
	if err := m.upsert(ctx, mongoModified, bson.M{"bucket": bucket, "path": path}, bson.M{"modified": modified}); err != nil {
		return fmt.Errorf("set modified: %w", err)
	}
	return nil
}

func (m *Mongo) DeleteModified(ctx context.Context, bucket, path string) error {
	if _, err := m.db.Collection(mongoModified).DeleteOne(ctx, bson.M{"bucket": bucket, "path": path}); err != nil {
		return fmt.Errorf("delete modified: %w", err)
	}
	return nil
}

func (m *Mongo) GetRefFile(ctx context.Context, bucket, path string) (string, error) {
	var doc refFileDoc
	err := m.db.Collection(mongoRefFile).FindOne(ctx, bson.M{"bucket": bucket, "path": path}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ref file: %w", err)
	}
	return doc.Hash, nil
}

func (m *Mongo) SetRefFile(ctx context.Context, bucket, path, hash string) error {
	if err := m.upsert(ctx, mongoRefFile, bson.M{"bucket": bucket, "path": path}, bson.M{"hash": hash}); err != nil {
		return fmt.Errorf("set ref file: %w", err)
	}
	return nil
}

func (m *Mongo) DeleteRefFile(ctx context.Context, bucket, path string) error {
	if _, err := m.db.Collection(mongoRefFile).DeleteOne(ctx, bson.M{"bucket": bucket, "path": path}); err != nil {
		return fmt.Errorf("delete ref file: %w", err)
	}
	return nil
}

func (m *Mongo) ListRefFiles(ctx context.Context, bucket string) (map[string]string, error) {
	cur, err := m.db.Collection(mongoRefFile).Find(ctx, bson.M{"bucket": bucket})
	if err != nil {
		return nil, fmt.Errorf("list ref files: %w", err)
	}
	var docs []refFileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list ref files: %w", err)
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.Path] = d.Hash
	}
	return out, nil
}

func (m *Mongo) ListRefCounts(ctx context.Context, bucket string) (map[string]int64, error) {
	cur, err := m.db.Collection(mongoRefCount).Find(ctx, bson.M{"bucket": bucket})
	if err != nil {
		return nil, fmt.Errorf("list refcounts: %w", err)
	}
	var docs []refCountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list refcounts: %w", err)
	}
	out := make(map[string]int64, len(docs))
	for _, d := range docs {
		out[d.Hash] = d.RefCount
	}
	return out, nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
