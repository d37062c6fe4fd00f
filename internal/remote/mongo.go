package remote

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

// CollectionConnections is the MongoDB collection holding connection documents.
const CollectionConnections = "connections"

// Server error codes treated as throttling (Atlas/CosmosDB request rate limits).
var throttleCodes = []int{16500, 429}

// MongoStore keeps one document per connection, keyed by connection id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects, verifies the deployment and ensures indexes exist.
func NewMongoStore(ctx context.Context, opts Options) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	clientOpts := options.Client().ApplyURI(opts.URI)
	if opts.Username != "" {
		clientOpts.SetAuth(options.Credential{Username: opts.Username, Password: opts.Password})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(opts.Database).Collection(CollectionConnections),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from_user_id", Value: 1}}},
		{Keys: bson.D{{Key: "to_user_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create connection indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, c models.Connection) (models.Connection, error) {
	if err := validateForSave(c); err != nil {
		return models.Connection{}, err
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return models.Connection{}, classifyMongo("save connection", err)
	}
	return c, nil
}

func (s *MongoStore) FetchConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	cursor, err := s.collection.Find(ctx, involvingFilter(userID),
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, classifyMongo("fetch connections", err)
	}

	var out []models.Connection
	if err := cursor.All(ctx, &out); err != nil {
		return nil, classifyMongo("decode connections", err)
	}
	return out, nil
}

func (s *MongoStore) DeleteConnection(ctx context.Context, c models.Connection) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": c.ID})
	if err != nil {
		return classifyMongo("delete connection", err)
	}
	if res.DeletedCount == 0 {
		return NotFound(c.ID)
	}
	return nil
}

func (s *MongoStore) ConnectionExists(ctx context.Context, a, b string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, pairFilter(a, b), options.Count().SetLimit(1))
	if err != nil {
		return false, classifyMongo("connection exists", err)
	}
	return n > 0, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// involvingFilter matches records where userID is sender or recipient.
func involvingFilter(userID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"from_user_id": userID},
		bson.M{"to_user_id": userID},
	}}
}

// pairFilter matches records linking a and b in either direction.
func pairFilter(a, b string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"from_user_id": a, "to_user_id": b},
		bson.M{"from_user_id": b, "to_user_id": a},
	}}
}

func classifyMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	}
	var serverErr mongo.ServerError
	if stderrors.As(err, &serverErr) {
		for _, code := range throttleCodes {
			if serverErr.HasErrorCode(code) {
				return apperrors.Wrap(apperrors.ErrThrottled, op, err)
			}
		}
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return apperrors.Wrap(apperrors.ErrNetwork, op, err)
	}
	return classify(op, err)
}

var _ Store = (*MongoStore)(nil)
