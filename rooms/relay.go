package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/polls"
	"github.com/troydota/pollrooms/redis"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const ResultsChannelPrefix = "events:poll:results:"

func ResultsChannel(pollID string) string {
	return ResultsChannelPrefix + pollID
}

// RedisRelay spreads snapshots to every instance subscribed to the same Redis
// server. Each instance runs Run and hands what it receives to its own
// Broadcaster.
type RedisRelay struct {
	client  *redis.Client
	local   *Broadcaster
	timeout time.Duration

	retryMin time.Duration
	retryMax time.Duration
	attempts atomic.Int64
}

func NewRedisRelay(client *redis.Client, local *Broadcaster, timeout time.Duration) *RedisRelay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisRelay{
		client:   client,
		local:    local,
		timeout:  timeout,
		retryMin: time.Second,
		retryMax: 30 * time.Second,
	}
}

// Publish sends snap to Redis in the background. If Redis rejects it the
// local room still gets it.
func (r *RedisRelay) Publish(pollID string, snap polls.Snapshot) {
	data, err := json.MarshalToString(snap)
	if err != nil {
		log.Errorf("json, err=%v", err)
		r.local.Publish(pollID, snap)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.client.Publish(ctx, ResultsChannel(pollID), data).Err(); err != nil {
			log.WithField("component", "rooms").Errorf("redis publish, poll=%s err=%v", pollID, err)
			r.local.Publish(pollID, snap)
		}
	}()
}

// Run forwards relayed snapshots to the local broadcaster until ctx is done.
// A lost subscription is re-established with exponential backoff.
func (r *RedisRelay) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryMin
	b.MaxInterval = r.retryMax
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return r.subscribe(ctx, b)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.WithField("component", "rooms").Warnf("redis relay, retry=%s err=%v", next, err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *RedisRelay) subscribe(ctx context.Context, b *backoff.ExponentialBackOff) error {
	r.attempts.Add(1)

	pubsub := r.client.PSubscribe(ctx, ResultsChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.Reset()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			r.forward(msg)
		}
	}
}

func (r *RedisRelay) forward(msg *redis.Message) {
	pollID := strings.TrimPrefix(msg.Channel, ResultsChannelPrefix)
	if pollID == "" || pollID == msg.Channel {
		return
	}

	snap := polls.Snapshot{}
	if err := json.UnmarshalFromString(msg.Payload, &snap); err != nil {
		log.Errorf("json, channel=%s err=%v", msg.Channel, err)
		return
	}
	if snap.PollID == "" {
		snap.PollID = pollID
	}

	r.local.Publish(pollID, snap)
}

// HTTPRelay forwards snapshots to a broadcaster running in another process
// through its /api/broadcast endpoint.
type HTTPRelay struct {
	url     string
	secret  string
	timeout time.Duration
}

func NewHTTPRelay(baseURL, secret string, timeout time.Duration) *HTTPRelay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRelay{
		url:     strings.TrimRight(baseURL, "/") + "/api/broadcast",
		secret:  secret,
		timeout: timeout,
	}
}

func (h *HTTPRelay) Publish(pollID string, snap polls.Snapshot) {
	go func() {
		if err := h.Send(pollID, snap); err != nil {
			log.WithField("component", "rooms").Errorf("broadcast relay, poll=%s err=%v", pollID, err)
		}
	}()
}

func (h *HTTPRelay) Send(pollID string, snap polls.Snapshot) error {
	snap.PollID = pollID

	agent := fiber.Post(h.url).Timeout(h.timeout).JSON(snap)
	if h.secret != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+h.secret)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errs[0]
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("status=%d body=%s", code, body)
	}
	return nil
}
