// Package ratelimit gates requests with a fixed-window counter per key.
//
// A key's window opens on its first request and lasts Window. Every request
// inside the window increments the count and is allowed while the count is
// at most Quota. The first request after the window closes opens a new one.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultQuota  = 30
)

type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

func VoteKey(ip string) string {
	return "vote:" + ip
}

func CreateKey(ip string) string {
	return "create:" + ip
}
