package resolvers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/rooms"
	"github.com/troydota/pollrooms/utils"
	"github.com/troydota/pollrooms/votes"
)

var (
	errInternalServer = fmt.Errorf("internal server error")
	errPollNotFound   = fmt.Errorf("poll not found")
)

type Service interface {
	Submit(ctx context.Context, req votes.Request) (polls.Snapshot, error)
	CreatePoll(ctx context.Context, draft polls.Draft, clientIP string) (*polls.Poll, error)
	Poll(ctx context.Context, id string) (*polls.Poll, error)
	Results(ctx context.Context, pollID string) (polls.Snapshot, error)
}

type Rooms interface {
	Join(c rooms.Conn, pollID string)
	Disconnect(c rooms.Conn)
}

type RootResolver struct {
	svc   Service
	rooms Rooms
	now   func() time.Time
}

func New(svc Service, r Rooms) *RootResolver {
	return &RootResolver{
		svc:   svc,
		rooms: r,
		now:   time.Now,
	}
}

// clampInt fits a count into GraphQL's 32-bit Int, saturating at the maximum.
func clampInt(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

func ipFrom(ctx context.Context) string {
	ip, _ := ctx.Value(utils.Key("ip")).(string)
	return ip
}

type pollResolver struct {
	poll *polls.Poll
	now  time.Time
}

func (r *pollResolver) ID() string {
	return r.poll.ID
}

func (r *pollResolver) Question() string {
	return r.poll.Question
}

func (r *pollResolver) Options() []*optionResolver {
	out := make([]*optionResolver, len(r.poll.Options))
	for i := range r.poll.Options {
		out[i] = &optionResolver{r.poll.Options[i]}
	}
	return out
}

func (r *pollResolver) ExpiresAt() *string {
	if r.poll.ExpiresAt == nil {
		return nil
	}
	s := r.poll.ExpiresAt.Format(time.RFC3339)
	return &s
}

func (r *pollResolver) Expired() bool {
	return r.poll.Expired(r.now)
}

func (r *pollResolver) CreatedAt() string {
	return r.poll.CreatedAt.Format(time.RFC3339)
}

func (r *pollResolver) TotalVotes() int32 {
	return clampInt(polls.TotalVotes(r.poll.Options))
}

type optionResolver struct {
	option polls.Option
}

func (r *optionResolver) ID() string {
	return r.option.ID
}

func (r *optionResolver) Text() string {
	return r.option.Text
}

func (r *optionResolver) VotesCount() int32 {
	return clampInt(r.option.VotesCount)
}

type resultsResolver struct {
	snap polls.Snapshot
}

func (r *resultsResolver) PollID() string {
	return r.snap.PollID
}

func (r *resultsResolver) Results() []*optionResultResolver {
	out := make([]*optionResultResolver, len(r.snap.Results))
	for i := range r.snap.Results {
		out[i] = &optionResultResolver{r.snap.Results[i]}
	}
	return out
}

func (r *resultsResolver) TotalVotes() int32 {
	return clampInt(r.snap.TotalVotes)
}

type optionResultResolver struct {
	result polls.OptionResult
}

func (r *optionResultResolver) ID() string {
	return r.result.ID
}

func (r *optionResultResolver) Text() string {
	return r.result.Text
}

func (r *optionResultResolver) VotesCount() int32 {
	return clampInt(r.result.VotesCount)
}

func (r *optionResultResolver) Percentage() int32 {
	return clampInt(r.result.Percentage)
}
