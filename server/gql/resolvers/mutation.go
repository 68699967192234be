package resolvers

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/votes"
)

type newInput struct {
	Question  string
	Options   []string
	ExpiresAt *string
}

type voteResult struct {
	State   string
	Results *resultsResolver
}

func (r *RootResolver) Vote(ctx context.Context, args struct {
	ID     string
	Option string
	Token  string
}) (*voteResult, error) {
	snap, err := r.svc.Submit(ctx, votes.Request{
		PollID:     args.ID,
		OptionID:   args.Option,
		VoterToken: args.Token,
		ClientIP:   ipFrom(ctx),
	})
	if err == nil {
		return &voteResult{"SUCCESS", &resultsResolver{snap}}, nil
	}

	switch polls.KindOf(err) {
	case polls.KindDuplicateVote:
		return &voteResult{"ALREADY_VOTED", nil}, nil
	case polls.KindExpired:
		return &voteResult{"EXPIRED", nil}, nil
	case polls.KindRateLimited:
		return &voteResult{"RATE_LIMITED", nil}, nil
	case polls.KindInvalidInput:
		return &voteResult{"INVALID_SELECTION", nil}, nil
	case polls.KindNotFound:
		if errors.Is(err, polls.ErrOptionNotFound) {
			return &voteResult{"INVALID_SELECTION", nil}, nil
		}
		return &voteResult{"NOT_FOUND", nil}, nil
	}

	log.Errorf("vote, err=%v", err)
	return nil, errInternalServer
}

type newResult struct {
	State string
	Poll  *pollResolver
}

func (r *RootResolver) New(ctx context.Context, args struct {
	Poll newInput
}) (*newResult, error) {
	draft := polls.Draft{
		Question: args.Poll.Question,
		Options:  args.Poll.Options,
	}
	if args.Poll.ExpiresAt != nil {
		draft.ExpiresAt = *args.Poll.ExpiresAt
	}

	poll, err := r.svc.CreatePoll(ctx, draft, ipFrom(ctx))
	switch {
	case err == nil:
		return &newResult{"SUCCESS", &pollResolver{poll, r.now()}}, nil
	case errors.Is(err, polls.ErrQuestionRequired), errors.Is(err, polls.ErrQuestionTooLong):
		return &newResult{"INVALID_QUESTION", nil}, nil
	case errors.Is(err, polls.ErrBadExpiry), errors.Is(err, polls.ErrPastExpiry):
		return &newResult{"INVALID_EXPIRY", nil}, nil
	case polls.KindOf(err) == polls.KindInvalidInput:
		return &newResult{"INVALID_OPTIONS", nil}, nil
	case polls.KindOf(err) == polls.KindRateLimited:
		return &newResult{"RATE_LIMITED", nil}, nil
	}

	log.Errorf("new poll, err=%v", err)
	return nil, errInternalServer
}
