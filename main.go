package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/troydota/pollrooms/configure"
	"github.com/troydota/pollrooms/mongo"
	"github.com/troydota/pollrooms/ratelimit"
	"github.com/troydota/pollrooms/redis"
	"github.com/troydota/pollrooms/rooms"
	"github.com/troydota/pollrooms/server"
	"github.com/troydota/pollrooms/store"
	"github.com/troydota/pollrooms/votes"
)

func checkErr(err error) {
	if err != nil {
		log.Fatalf("startup, err=%v", err)
	}
}

func main() {
	log.Infoln("Application Starting...")

	cfg, err := configure.New(os.Args[1:])
	checkErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.RedisURI != "" {
		rdb, err = redis.Connect(ctx, cfg.RedisURI)
		checkErr(err)
	}

	var (
		backend store.Backend
		mdb     *mongo.Store
	)
	switch cfg.StoreBackend {
	case configure.StoreMongo:
		mdb, err = mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		checkErr(err)
		backend = mdb
	default:
		backend = store.NewMemory()
	}
	if rdb != nil && cfg.PollCacheTTL > 0 {
		backend = store.NewCached(backend, rdb, cfg.PollCacheTTL)
	}

	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case configure.BackendRedis:
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimitWindow, cfg.RateLimitQuota)
	default:
		mem := ratelimit.NewMemory(cfg.RateLimitWindow, cfg.RateLimitQuota)
		go mem.Run(ctx, cfg.RateLimitSweepInterval)
		limiter = mem
	}

	b := rooms.New(cfg.BroadcastWorkers)

	var publisher votes.Publisher = b
	switch cfg.BroadcastMode {
	case configure.BroadcastRedis:
		relay := rooms.NewRedisRelay(rdb, b, cfg.BroadcastTimeout)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Errorf("redis relay, err=%v", err)
			}
		}()
		publisher = relay
	case configure.BroadcastHTTP:
		publisher = rooms.NewHTTPRelay(cfg.BroadcastURL, cfg.BroadcastSecret, cfg.BroadcastTimeout)
	}

	svc := votes.New(backend, limiter, publisher, votes.Config{
		Salt:    cfg.IPHashSalt,
		Timeout: cfg.VoteTimeout,
	})

	s, err := server.NewServer(cfg, svc, b)
	checkErr(err)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-c
		log.Infof("sig=%v, gracefully shutting down...", sig)
		start := time.Now().UnixNano()

		cancel()

		wg := sync.WaitGroup{}
		wg.Add(1)

		go func() {
			defer wg.Done()
			if err := s.Shutdown(); err != nil {
				log.Errorf("server, shutdown=%v", err)
			}
			b.Close()
		}()

		wg.Wait()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if mdb != nil {
			if err := mdb.Disconnect(closeCtx); err != nil {
				log.Errorf("mongo, disconnect=%v", err)
			}
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Errorf("redis, close=%v", err)
			}
		}

		log.Infof("Shutdown took, %.2fms", float64(time.Now().UnixNano()-start)/10e5)
		os.Exit(cfg.ExitCode)
	}()

	log.Infof("Application Started, addr=%s", s.Addr())

	select {}
}
