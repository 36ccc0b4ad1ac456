package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoConnectTimeout = 30 * time.Second

// mongoSource reads databases through the official driver.
type mongoSource struct {
	client *mongo.Client
}

// MongoURI builds the connection string for req, authenticating against the
// target's auth source (admin by default).
func MongoURI(req Request) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   req.Target.Address(),
		Path:   "/",
	}
	if req.Credentials.Username != "" {
		u.User = url.UserPassword(req.Credentials.Username, req.Credentials.Password)
		u.RawQuery = url.Values{"authSource": {authSource(req.Target)}}.Encode()
	}
	return u.String()
}

// MongoConnector connects with the mongo driver and verifies the server is reachable.
func MongoConnector(ctx context.Context, req Request) (DocumentSource, error) {
	opts := options.Client().
		ApplyURI(MongoURI(req)).
		SetConnectTimeout(mongoConnectTimeout).
		SetServerSelectionTimeout(mongoConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &mongoSource{client: client}, nil
}

func (s *mongoSource) ListDatabases(ctx context.Context) ([]string, error) {
	return s.client.ListDatabaseNames(ctx, bson.D{})
}

func (s *mongoSource) ListCollections(ctx context.Context, database string) ([]string, error) {
	return s.client.Database(database).ListCollectionNames(ctx, bson.D{})
}

func (s *mongoSource) ListIndexes(ctx context.Context, database, collection string) ([]json.RawMessage, error) {
	cursor, err := s.client.Database(database).Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var indexes []json.RawMessage
	for cursor.Next(ctx) {
		spec, err := bson.MarshalExtJSON(cursor.Current, false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to encode index of %s.%s: %w", database, collection, err)
		}
		indexes = append(indexes, json.RawMessage(spec))
	}
	return indexes, cursor.Err()
}

func (s *mongoSource) CountDocuments(ctx context.Context, database, collection string) (int64, error) {
	return s.client.Database(database).Collection(collection).EstimatedDocumentCount(ctx)
}

func (s *mongoSource) StreamDocuments(ctx context.Context, database, collection string, fn func(doc []byte) error) error {
	cursor, err := s.client.Database(database).Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		if err := fn(cursor.Current); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (s *mongoSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
