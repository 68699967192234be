package ratelimit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/redis"
)

// INCR and PEXPIRE run as one script so the window is opened exactly once
// and the key can never be left without a TTL.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Redis shares windows between every instance using the same server. Keys
// expire with their window, so there is nothing to sweep.
type Redis struct {
	client *redis.Client
	window time.Duration
	quota  int64
	prefix string
}

func NewRedis(client *redis.Client, w time.Duration, quota int) *Redis {
	if w <= 0 {
		w = DefaultWindow
	}
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Redis{
		client: client,
		window: w,
		quota:  int64(quota),
		prefix: "ratelimit:",
	}
}

// Allow fails open: a request is let through when Redis cannot be reached.
func (r *Redis) Allow(ctx context.Context, key string) bool {
	count, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, r.window.Milliseconds()).Int64()
	if err != nil {
		log.WithField("component", "ratelimit").Errorf("redis, key=%s err=%v", key, err)
		return true
	}
	return count <= r.quota
}
