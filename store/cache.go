package store

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/redis"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultCacheTTL = 6 * time.Hour

	deadPoll = "dead"
)

type Backend interface {
	CreatePoll(ctx context.Context, poll *polls.Poll) (*polls.Poll, error)
	GetPoll(ctx context.Context, id string) (*polls.Poll, error)
	GetOptions(ctx context.Context, poll *polls.Poll) ([]polls.Option, error)
	RecordVote(ctx context.Context, vote *polls.Vote) error
}

// Cached keeps poll definitions in Redis in front of a Backend. Counts are
// never served from the cache: GetOptions and RecordVote always go to the
// backend. Unknown ids are remembered as dead.
type Cached struct {
	Backend
	client *redis.Client
	ttl    time.Duration
}

func NewCached(backend Backend, client *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{Backend: backend, client: client, ttl: ttl}
}

func CacheKey(id string) string {
	return "cached:polls:" + id
}

func (c *Cached) CreatePoll(ctx context.Context, poll *polls.Poll) (*polls.Poll, error) {
	created, err := c.Backend.CreatePoll(ctx, poll)
	if err != nil {
		return nil, err
	}
	c.set(ctx, created)
	return created, nil
}

func (c *Cached) GetPoll(ctx context.Context, id string) (*polls.Poll, error) {
	key := CacheKey(id)

	val, err := c.client.Get(ctx, key).Result()
	if err != nil && err != redis.ErrNil {
		log.Errorf("redis, err=%v", err)
		return c.Backend.GetPoll(ctx, id)
	}

	if err == nil {
		if val == deadPoll {
			return nil, polls.ErrPollNotFound
		}
		poll := &polls.Poll{}
		if err = json.UnmarshalFromString(val, poll); err == nil {
			return poll, nil
		}
		log.Errorf("json, err=%v", err)
	}

	poll, err := c.Backend.GetPoll(ctx, id)
	if errors.Is(err, polls.ErrPollNotFound) {
		if err := c.client.Set(ctx, key, deadPoll, c.ttl).Err(); err != nil {
			log.Errorf("redis, err=%v", err)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	c.set(ctx, poll)
	return poll, nil
}

func (c *Cached) set(ctx context.Context, poll *polls.Poll) {
	cached := *poll
	cached.Options = make([]polls.Option, len(poll.Options))
	for i, o := range poll.Options {
		cached.Options[i] = polls.Option{ID: o.ID, Text: o.Text}
	}

	pollStr, err := json.MarshalToString(&cached)
	if err != nil {
		log.Errorf("json, err=%v", err)
		return
	}
	if err = c.client.Set(ctx, CacheKey(poll.ID), pollStr, c.ttl).Err(); err != nil {
		log.Errorf("redis, err=%v", err)
	}
}
