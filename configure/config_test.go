package configure

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingFile(t *testing.T) string {
	return "--config_file=" + filepath.Join(t.TempDir(), "none.yaml")
}

func TestNew_Defaults(t *testing.T) {
	c, err := New([]string{missingFile(t)})
	require.NoError(t, err)

	assert.Equal(t, ":3000", c.ListenerAddress)
	assert.Equal(t, "tcp", c.ListenerNetwork)
	assert.Equal(t, StoreMemory, c.StoreBackend)
	assert.Equal(t, BackendMemory, c.RateLimitBackend)
	assert.Equal(t, BroadcastLocal, c.BroadcastMode)
	assert.Equal(t, time.Minute, c.RateLimitWindow)
	assert.Equal(t, 30, c.RateLimitQuota)
	assert.Equal(t, 5*time.Minute, c.RateLimitSweepInterval)
	assert.Equal(t, 5*time.Second, c.VoteTimeout)
	assert.Equal(t, 32, c.BroadcastWorkers)
}

func TestNew_FileEnvAndFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
ratelimit_quota: 5
ratelimit_window: 10s
app_url: https://polls.example.com
ip_hash_salt: from-file
`), 0o600))

	t.Setenv("IP_HASH_SALT", "from-env")
	t.Setenv("VOTE_TIMEOUT", "750ms")

	c, err := New([]string{"--config_file=" + file, "--ratelimit_quota=7"})
	require.NoError(t, err)

	assert.Equal(t, 7, c.RateLimitQuota)
	assert.Equal(t, 10*time.Second, c.RateLimitWindow)
	assert.Equal(t, "https://polls.example.com", c.AppURL)
	assert.Equal(t, "from-env", c.IPHashSalt)
	assert.Equal(t, 750*time.Millisecond, c.VoteTimeout)
}

func TestNew_InvalidExitCodeFallsBack(t *testing.T) {
	c, err := New([]string{missingFile(t), "--exit_code=300"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.ExitCode)
}

func TestNew_Validation(t *testing.T) {
	cases := map[string][]string{
		"mongo without uri":    {"--store_backend=mongo"},
		"redis limiter no uri": {"--ratelimit_backend=redis"},
		"redis relay no uri":   {"--broadcast_mode=redis"},
		"http relay no url":    {"--broadcast_mode=http"},
		"unknown store":        {"--store_backend=postgres"},
		"unknown mode":         {"--broadcast_mode=kafka"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(append(args, missingFile(t)))
			assert.Error(t, err)
		})
	}
}

func TestNew_UnknownFlag(t *testing.T) {
	_, err := New([]string{"--nope"})
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	c := ServerCfg{IPHashSalt: "salt", BroadcastSecret: "secret"}
	r := c.redacted()

	assert.Equal(t, "***", r.IPHashSalt)
	assert.Equal(t, "***", r.BroadcastSecret)
	assert.Equal(t, "salt", c.IPHashSalt)
}
