package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/troydota/pollrooms/polls"
)

type voterKey struct {
	pollID string
	value  string
}

// Memory is a process-local store. A single mutex makes RecordVote's
// check-insert-increment one atomic step, which gives it the same
// exactly-once guarantee the Mongo store gets from transactions.
type Memory struct {
	mtx     sync.Mutex
	polls   map[string]*polls.Poll
	votes   map[string][]polls.Vote
	byIP    map[voterKey]struct{}
	byToken map[voterKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		polls:   map[string]*polls.Poll{},
		votes:   map[string][]polls.Vote{},
		byIP:    map[voterKey]struct{}{},
		byToken: map[voterKey]struct{}{},
	}
}

func (m *Memory) CreatePoll(ctx context.Context, poll *polls.Poll) (*polls.Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := clonePoll(poll)
	p.ID = uuid.NewString()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	for i := range p.Options {
		p.Options[i].ID = uuid.NewString()
		p.Options[i].VotesCount = 0
	}

	m.mtx.Lock()
	m.polls[p.ID] = p
	m.mtx.Unlock()

	return clonePoll(p), nil
}

func (m *Memory) GetPoll(ctx context.Context, id string) (*polls.Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	p, ok := m.polls[id]
	if !ok {
		return nil, polls.ErrPollNotFound
	}
	return clonePoll(p), nil
}

func (m *Memory) GetOptions(ctx context.Context, poll *polls.Poll) ([]polls.Option, error) {
	p, err := m.GetPoll(ctx, poll.ID)
	if err != nil {
		return nil, err
	}
	return p.Options, nil
}

func (m *Memory) RecordVote(ctx context.Context, vote *polls.Vote) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	p, ok := m.polls[vote.PollID]
	if !ok {
		return polls.ErrPollNotFound
	}

	idx := -1
	for i, o := range p.Options {
		if o.ID == vote.OptionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return polls.ErrOptionNotFound
	}

	ipKey := voterKey{vote.PollID, vote.HashedIP}
	tokenKey := voterKey{vote.PollID, vote.VoterToken}
	if _, ok := m.byIP[ipKey]; ok {
		return polls.ErrDuplicateVote
	}
	if _, ok := m.byToken[tokenKey]; ok {
		return polls.ErrDuplicateVote
	}

	v := *vote
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	m.byIP[ipKey] = struct{}{}
	m.byToken[tokenKey] = struct{}{}
	m.votes[v.PollID] = append(m.votes[v.PollID], v)
	p.Options[idx].VotesCount++

	vote.ID = v.ID
	return nil
}

// Votes returns the recorded votes of a poll in insertion order.
func (m *Memory) Votes(pollID string) []polls.Vote {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]polls.Vote, len(m.votes[pollID]))
	copy(out, m.votes[pollID])
	return out
}

func clonePoll(p *polls.Poll) *polls.Poll {
	c := *p
	c.Options = make([]polls.Option, len(p.Options))
	copy(c.Options, p.Options)
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}
