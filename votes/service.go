// Package votes accepts ballots. Submit is the only path that writes votes
// or counters, and every accepted vote is followed by a fresh snapshot that
// goes both to the caller and to the poll's room.
package votes

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/ratelimit"
	"github.com/troydota/pollrooms/utils"
)

const (
	DefaultTimeout = 5 * time.Second

	maxTokenLength = 256
)

type Store interface {
	CreatePoll(ctx context.Context, poll *polls.Poll) (*polls.Poll, error)
	GetPoll(ctx context.Context, id string) (*polls.Poll, error)
	GetOptions(ctx context.Context, poll *polls.Poll) ([]polls.Option, error)
	// RecordVote checks both uniqueness keys, inserts the vote and increments
	// its option as one transaction. It returns polls.ErrDuplicateVote when
	// either key is taken, including when the insert loses a race.
	RecordVote(ctx context.Context, vote *polls.Vote) error
}

type Publisher interface {
	Publish(pollID string, snap polls.Snapshot)
}

type Config struct {
	Salt    string
	Timeout time.Duration
}

type Request struct {
	PollID     string
	OptionID   string
	VoterToken string
	ClientIP   string
}

type Service struct {
	store     Store
	limiter   ratelimit.Limiter
	publisher Publisher
	salt      string
	timeout   time.Duration
	now       func() time.Time
	logger    *log.Entry
}

func New(store Store, limiter ratelimit.Limiter, publisher Publisher, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{
		store:     store,
		limiter:   limiter,
		publisher: publisher,
		salt:      cfg.Salt,
		timeout:   cfg.Timeout,
		now:       time.Now,
		logger:    log.WithField("component", "votes"),
	}
}

// Submit records one vote and returns the tally that includes it.
func (s *Service) Submit(ctx context.Context, req Request) (polls.Snapshot, error) {
	if s.limiter != nil && !s.limiter.Allow(ctx, ratelimit.VoteKey(req.ClientIP)) {
		return polls.Snapshot{}, polls.ErrRateLimited
	}

	if req.PollID == "" {
		return polls.Snapshot{}, polls.InvalidInput("Poll ID required")
	}
	if req.OptionID == "" {
		return polls.Snapshot{}, polls.InvalidInput("Option ID is required")
	}
	token := strings.TrimSpace(req.VoterToken)
	if token == "" {
		return polls.Snapshot{}, polls.InvalidInput("Voter token is required")
	}
	if len(token) > maxTokenLength {
		return polls.Snapshot{}, polls.InvalidInput("Voter token is invalid")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	poll, err := s.store.GetPoll(ctx, req.PollID)
	if err != nil {
		return polls.Snapshot{}, s.storeError("get poll", req.PollID, "Failed to record vote", err)
	}
	if poll.Expired(s.now()) {
		return polls.Snapshot{}, polls.ErrExpired
	}
	if _, ok := poll.Option(req.OptionID); !ok {
		return polls.Snapshot{}, polls.ErrOptionNotFound
	}

	vote := &polls.Vote{
		PollID:     poll.ID,
		OptionID:   req.OptionID,
		HashedIP:   utils.HashIP(req.ClientIP, s.salt),
		VoterToken: token,
		CreatedAt:  s.now(),
	}
	if err = s.store.RecordVote(ctx, vote); err != nil {
		return polls.Snapshot{}, s.storeError("record vote", req.PollID, "Failed to record vote", err)
	}

	options, err := s.store.GetOptions(ctx, poll)
	if err != nil {
		return polls.Snapshot{}, s.storeError("read results", req.PollID, "Failed to record vote", err)
	}

	snap := polls.NewSnapshot(poll.ID, options)
	if s.publisher != nil {
		s.publisher.Publish(poll.ID, snap)
	}

	return snap, nil
}

// CreatePoll validates draft and stores it. Creation is rate limited per
// client address separately from voting.
func (s *Service) CreatePoll(ctx context.Context, draft polls.Draft, clientIP string) (*polls.Poll, error) {
	if s.limiter != nil && !s.limiter.Allow(ctx, ratelimit.CreateKey(clientIP)) {
		return nil, polls.ErrRateLimited
	}

	poll, err := draft.Build(s.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.store.CreatePoll(ctx, poll)
	if err != nil {
		return nil, s.storeError("create poll", "", "Failed to create poll", err)
	}

	s.logger.Debugf("created poll=%s options=%d", created.ID, len(created.Options))
	return created, nil
}

// Poll returns the poll with its current counts. Expired polls are still
// returned.
func (s *Service) Poll(ctx context.Context, id string) (*polls.Poll, error) {
	if id == "" {
		return nil, polls.InvalidInput("Poll ID required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	poll, err := s.store.GetPoll(ctx, id)
	if err != nil {
		return nil, s.storeError("get poll", id, "Failed to fetch poll", err)
	}
	options, err := s.store.GetOptions(ctx, poll)
	if err != nil {
		return nil, s.storeError("read results", id, "Failed to fetch poll", err)
	}
	poll.Options = options

	return poll, nil
}

// Results reads the current tally without voting.
func (s *Service) Results(ctx context.Context, pollID string) (polls.Snapshot, error) {
	if pollID == "" {
		return polls.Snapshot{}, polls.InvalidInput("Poll ID required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		return polls.Snapshot{}, s.storeError("get poll", pollID, "Failed to fetch results", err)
	}
	options, err := s.store.GetOptions(ctx, poll)
	if err != nil {
		return polls.Snapshot{}, s.storeError("read results", pollID, "Failed to fetch results", err)
	}
	return polls.NewSnapshot(poll.ID, options), nil
}

// storeError keeps taxonomy errors as they are and turns everything else,
// deadlines included, into Internal.
func (s *Service) storeError(op, pollID, msg string, err error) error {
	if polls.KindOf(err) != polls.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Errorf("%s timed out, poll=%s err=%v", op, pollID, err)
	} else {
		s.logger.Errorf("%s, poll=%s err=%v", op, pollID, err)
	}
	return polls.Internal(msg, err)
}
