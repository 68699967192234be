package mongo

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) CreatePoll(ctx context.Context, poll *polls.Poll) (*polls.Poll, error) {
	doc := &Poll{
		ID:        primitive.NewObjectID(),
		Question:  poll.Question,
		Options:   make([]PollOption, len(poll.Options)),
		ExpiresAt: poll.ExpiresAt,
		CreatedAt: poll.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	// BSON dates only keep milliseconds.
	doc.CreatedAt = doc.CreatedAt.Truncate(time.Millisecond)
	for i, o := range poll.Options {
		doc.Options[i] = PollOption{ID: primitive.NewObjectID(), Text: o.Text}
	}

	if _, err := s.db.Collection(PollsCollection).InsertOne(ctx, doc); err != nil {
		log.Errorf("mongo, err=%v", err)
		return nil, err
	}

	return doc.toPoll(), nil
}

func (s *Store) GetPoll(ctx context.Context, id string) (*polls.Poll, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, polls.ErrPollNotFound
	}

	doc := &Poll{}
	err = s.db.Collection(PollsCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(doc)
	if err == mongo.ErrNoDocuments {
		return nil, polls.ErrPollNotFound
	}
	if err != nil {
		return nil, err
	}

	return doc.toPoll(), nil
}

// GetOptions re-reads the poll so counts reflect every committed vote.
func (s *Store) GetOptions(ctx context.Context, poll *polls.Poll) ([]polls.Option, error) {
	p, err := s.GetPoll(ctx, poll.ID)
	if err != nil {
		return nil, err
	}
	return p.Options, nil
}

func (s *Store) RecordVote(ctx context.Context, vote *polls.Vote) error {
	pollID, err := primitive.ObjectIDFromHex(vote.PollID)
	if err != nil {
		return polls.ErrPollNotFound
	}
	optionID, err := primitive.ObjectIDFromHex(vote.OptionID)
	if err != nil {
		return polls.ErrOptionNotFound
	}

	doc := &Vote{
		ID:         primitive.NewObjectID(),
		PollID:     pollID,
		OptionID:   optionID,
		HashedIP:   vote.HashedIP,
		VoterToken: vote.VoterToken,
		CreatedAt:  vote.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		votes := s.db.Collection(VotesCollection)

		n, err := votes.CountDocuments(sc, bson.M{
			"poll_id": pollID,
			"$or": bson.A{
				bson.M{"hashed_ip": doc.HashedIP},
				bson.M{"voter_token": doc.VoterToken},
			},
		})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, polls.ErrDuplicateVote
		}

		if _, err = votes.InsertOne(sc, doc); err != nil {
			return nil, err
		}

		res, err := s.db.Collection(PollsCollection).UpdateOne(sc, bson.M{
			"_id":         pollID,
			"options._id": optionID,
		}, bson.M{
			"$inc": bson.M{"options.$.votes_count": 1},
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, polls.ErrOptionNotFound
		}

		return nil, nil
	})
	if mongo.IsDuplicateKeyError(err) {
		return polls.ErrDuplicateVote
	}
	if err != nil {
		return err
	}

	vote.ID = doc.ID.Hex()
	return nil
}

// Votes lists a poll's votes, oldest first.
func (s *Store) Votes(ctx context.Context, pollID string) ([]polls.Vote, error) {
	oid, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return nil, polls.ErrPollNotFound
	}

	cur, err := s.db.Collection(VotesCollection).Find(ctx, bson.M{"poll_id": oid},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	docs := []Vote{}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]polls.Vote, len(docs))
	for i, d := range docs {
		out[i] = polls.Vote{
			ID:         d.ID.Hex(),
			PollID:     d.PollID.Hex(),
			OptionID:   d.OptionID.Hex(),
			HashedIP:   d.HashedIP,
			VoterToken: d.VoterToken,
			CreatedAt:  d.CreatedAt,
		}
	}
	return out, nil
}
