package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	PollsCollection = "polls"
	VotesCollection = "votes"
)

var ErrNoDocuments = mongo.ErrNoDocuments

// Store keeps polls and votes in MongoDB. Votes need transactions, so the
// server must be a replica set or a sharded cluster.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
	}
	if err = s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return s, nil
}

// ensureIndexes creates the two per-poll uniqueness constraints that back
// one-vote-per-voter.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(VotesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "poll_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "poll_id", Value: 1}, {Key: "hashed_ip", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("poll_hashed_ip"),
		},
		{
			Keys:    bson.D{{Key: "poll_id", Value: 1}, {Key: "voter_token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("poll_voter_token"),
		},
	})
	return err
}

func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
