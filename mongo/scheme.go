package mongo

import (
	"time"

	"github.com/troydota/pollrooms/polls"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Poll struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Question  string             `bson:"question"`
	Options   []PollOption       `bson:"options"`
	ExpiresAt *time.Time         `bson:"expires_at,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

// PollOption is embedded in its poll so a vote's increment touches a single
// document.
type PollOption struct {
	ID         primitive.ObjectID `bson:"_id"`
	Text       string             `bson:"text"`
	VotesCount int64              `bson:"votes_count"`
}

type Vote struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	PollID     primitive.ObjectID `bson:"poll_id"`
	OptionID   primitive.ObjectID `bson:"option_id"`
	HashedIP   string             `bson:"hashed_ip"`
	VoterToken string             `bson:"voter_token"`
	CreatedAt  time.Time          `bson:"created_at"`
}

func (p *Poll) toPoll() *polls.Poll {
	out := &polls.Poll{
		ID:        p.ID.Hex(),
		Question:  p.Question,
		Options:   make([]polls.Option, len(p.Options)),
		CreatedAt: p.CreatedAt,
	}
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		out.ExpiresAt = &exp
	}
	for i, o := range p.Options {
		out.Options[i] = polls.Option{
			ID:         o.ID.Hex(),
			Text:       o.Text,
			VotesCount: o.VotesCount,
		}
	}
	return out
}
