package configure

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"

	BackendMemory = "memory"
	BackendRedis  = "redis"

	BroadcastLocal = "local"
	BroadcastRedis = "redis"
	BroadcastHTTP  = "http"
)

type ServerCfg struct {
	Level           string `mapstructure:"level" json:"level"`
	ConfigFile      string `mapstructure:"config_file" json:"config_file"`
	ExitCode        int    `mapstructure:"exit_code" json:"exit_code"`
	ListenerNetwork string `mapstructure:"listener_network" json:"listener_network"`
	ListenerAddress string `mapstructure:"listener_address" json:"listener_address"`
	AppURL          string `mapstructure:"app_url" json:"app_url"`

	StoreBackend string        `mapstructure:"store_backend" json:"store_backend"`
	MongoURI     string        `mapstructure:"mongo_uri" json:"mongo_uri"`
	MongoDB      string        `mapstructure:"mongo_db" json:"mongo_db"`
	RedisURI     string        `mapstructure:"redis_uri" json:"redis_uri"`
	PollCacheTTL time.Duration `mapstructure:"poll_cache_ttl" json:"poll_cache_ttl"`

	IPHashSalt  string        `mapstructure:"ip_hash_salt" json:"ip_hash_salt"`
	VoteTimeout time.Duration `mapstructure:"vote_timeout" json:"vote_timeout"`

	RateLimitBackend       string        `mapstructure:"ratelimit_backend" json:"ratelimit_backend"`
	RateLimitWindow        time.Duration `mapstructure:"ratelimit_window" json:"ratelimit_window"`
	RateLimitQuota         int           `mapstructure:"ratelimit_quota" json:"ratelimit_quota"`
	RateLimitSweepInterval time.Duration `mapstructure:"ratelimit_sweep_interval" json:"ratelimit_sweep_interval"`

	BroadcastMode    string        `mapstructure:"broadcast_mode" json:"broadcast_mode"`
	BroadcastURL     string        `mapstructure:"broadcast_url" json:"broadcast_url"`
	BroadcastSecret  string        `mapstructure:"broadcast_secret" json:"broadcast_secret"`
	BroadcastWorkers int           `mapstructure:"broadcast_workers" json:"broadcast_workers"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout" json:"broadcast_timeout"`
}

// default config
var defaultConf = ServerCfg{
	Level:           "info",
	ConfigFile:      "config.yaml",
	ListenerNetwork: "tcp",
	ListenerAddress: ":3000",

	StoreBackend: StoreMemory,
	MongoDB:      "pollrooms",
	PollCacheTTL: 6 * time.Hour,

	VoteTimeout: 5 * time.Second,

	RateLimitBackend:       BackendMemory,
	RateLimitWindow:        time.Minute,
	RateLimitQuota:         30,
	RateLimitSweepInterval: 5 * time.Minute,

	BroadcastMode:    BroadcastLocal,
	BroadcastWorkers: 32,
	BroadcastTimeout: 5 * time.Second,
}

func initLog(level string) {
	if l, err := log.ParseLevel(level); err == nil {
		log.SetLevel(l)
	}
	log.SetFormatter(&nested.Formatter{
		HideKeys:    true,
		FieldsOrder: []string{"component", "category"},
	})
}

func flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.String("config_file", defaultConf.ConfigFile, "configure filename")
	fs.String("level", defaultConf.Level, "Log level")
	fs.Int("exit_code", 0, "Status code for successful and graceful shutdown, [0-125].")
	fs.String("listener_network", defaultConf.ListenerNetwork, "Network for the http listener.")
	fs.String("listener_address", defaultConf.ListenerAddress, "Address for the http listener.")
	fs.String("app_url", "", "Public base URL used to build share links.")
	fs.String("store_backend", defaultConf.StoreBackend, "Poll store, mongo or memory.")
	fs.String("mongo_uri", "", "Address for the mongodb server.")
	fs.String("mongo_db", defaultConf.MongoDB, "Database for the mongodb connection.")
	fs.String("redis_uri", "", "Address for the redis server.")
	fs.Duration("poll_cache_ttl", defaultConf.PollCacheTTL, "How long poll definitions stay cached in redis, 0 disables.")
	fs.String("ip_hash_salt", "", "Secret salt for hashing voter addresses.")
	fs.Duration("vote_timeout", defaultConf.VoteTimeout, "Deadline for recording a vote.")
	fs.String("ratelimit_backend", defaultConf.RateLimitBackend, "Rate limiter state, memory or redis.")
	fs.Duration("ratelimit_window", defaultConf.RateLimitWindow, "Rate limit window length.")
	fs.Int("ratelimit_quota", defaultConf.RateLimitQuota, "Requests allowed per key per window.")
	fs.Duration("ratelimit_sweep_interval", defaultConf.RateLimitSweepInterval, "How often expired limiter keys are dropped.")
	fs.String("broadcast_mode", defaultConf.BroadcastMode, "Result fan-out, local, redis or http.")
	fs.String("broadcast_url", "", "Base URL of the broadcaster when broadcast_mode is http.")
	fs.String("broadcast_secret", "", "Bearer secret for the broadcast relay.")
	fs.Int("broadcast_workers", defaultConf.BroadcastWorkers, "Concurrent deliveries to room members.")
	fs.Duration("broadcast_timeout", defaultConf.BroadcastTimeout, "Timeout for relaying a snapshot.")

	return fs
}

// New builds the server config from defaults, the config file, the
// environment and args, then sets up logging. A flag given in args wins over
// everything else.
func New(args []string) (ServerCfg, error) {
	c := ServerCfg{}

	// .env is optional
	_ = godotenv.Load()

	config := viper.New()

	// Default config
	b, err := json.Marshal(defaultConf)
	if err != nil {
		return c, err
	}
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err = defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return c, err
	}
	if err = config.MergeConfigMap(defaults.AllSettings()); err != nil {
		return c, err
	}

	// Flags
	fs := flags("pollrooms")
	if err = fs.Parse(args); err != nil {
		return c, err
	}
	if err = config.BindPFlags(fs); err != nil {
		return c, err
	}

	// File
	config.SetConfigFile(config.GetString("config_file"))
	config.AddConfigPath(".")
	if err = config.MergeInConfig(); err != nil {
		log.Warning(err)
		log.Info("Using default config")
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	config.SetEnvKeyReplacer(replacer)
	config.AllowEmptyEnv(true)
	config.AutomaticEnv()

	if err = config.Unmarshal(&c); err != nil {
		return c, err
	}

	initLog(c.Level)

	if err = c.validate(); err != nil {
		return c, err
	}

	// Print final config
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c.redacted()))

	return c, nil
}

func (c *ServerCfg) validate() error {
	if c.ExitCode > 125 || c.ExitCode < 0 {
		log.Warnf("Invalid exit code specified in config (%v), using 0 as new exit code.", c.ExitCode)
		c.ExitCode = 0
	}

	if c.IPHashSalt == "" {
		log.Warn("ip_hash_salt is not set, voter fingerprints use the built-in salt and are guessable")
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("store_backend=%s requires mongo_uri", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}

	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURI == "" {
			return fmt.Errorf("ratelimit_backend=%s requires redis_uri", c.RateLimitBackend)
		}
	default:
		return fmt.Errorf("unknown ratelimit_backend %q", c.RateLimitBackend)
	}

	switch c.BroadcastMode {
	case BroadcastLocal:
	case BroadcastRedis:
		if c.RedisURI == "" {
			return fmt.Errorf("broadcast_mode=%s requires redis_uri", c.BroadcastMode)
		}
	case BroadcastHTTP:
		if c.BroadcastURL == "" {
			return fmt.Errorf("broadcast_mode=%s requires broadcast_url", c.BroadcastMode)
		}
	default:
		return fmt.Errorf("unknown broadcast_mode %q", c.BroadcastMode)
	}

	return nil
}

func (c ServerCfg) redacted() ServerCfg {
	if c.IPHashSalt != "" {
		c.IPHashSalt = "***"
	}
	if c.BroadcastSecret != "" {
		c.BroadcastSecret = "***"
	}
	return c
}
