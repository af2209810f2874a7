package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore keeps one document per session in a "sessions" collection.
// AppendExchange maps to a single UpdateOne combining $push and $inc, which
// is what makes concurrent exchanges on the same session lossless: the
// server serializes per-document updates, so both deltas land.
type MongoStore struct {
	sessions *mongo.Collection
	client   *mongo.Client
}

// mongoSession mirrors Session with the native ObjectID primary key.
type mongoSession struct {
	ID      primitive.ObjectID `bson:"_id,omitempty"`
	Session `bson:",inline"`
}

// NewMongoStore connects to the given URI and verifies the server is
// reachable; an unreachable store is fatal at startup, not at first use.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &MongoStore{
		sessions: client.Database(database).Collection("sessions"),
		client:   client,
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Create(ctx context.Context, identity Identity, model, promptVersion string) (*Session, error) {
	doc := mongoSession{
		ID: primitive.NewObjectID(),
		Session: Session{
			Identity:      identity,
			CreatedAt:     time.Now().UTC(),
			Model:         model,
			PromptVersion: promptVersion,
			Transcript:    []Turn{},
			UsageLog:      []UsageEntry{},
		},
	}
	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sess := doc.Session
	sess.ID = doc.ID.Hex()
	return &sess, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Session, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var doc mongoSession
	err = s.sessions.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sess := doc.Session
	sess.ID = doc.ID.Hex()
	return &sess, nil
}

func (s *MongoStore) AppendExchange(ctx context.Context, id string, userTurn, assistantTurn Turn, inputTokens, outputTokens int) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	update := bson.M{
		"$push": bson.M{
			"transcript": bson.M{"$each": []Turn{userTurn, assistantTurn}},
			"usage_log": UsageEntry{
				Timestamp:    time.Now().UTC(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			},
		},
		"$inc": bson.M{
			"total_input_tokens":  inputTokens,
			"total_output_tokens": outputTokens,
		},
	}

	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
