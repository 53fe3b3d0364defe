package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 0.8, cfg.Grading.CorrectThreshold)
	assert.Equal(t, 0.6, cfg.Grading.PartialThreshold)
	assert.Equal(t, 10, cfg.Grading.Remote.MaxBatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	// Engine concurrency inherits the queue's upper bound.
	assert.Equal(t, cfg.Queue.MaxConcurrency, cfg.Grading.Local.Concurrency)
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("QUEUE_MAX_CONCURRENCY", "9")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("GRADING_REMOTE_CONCURRENCY", "2")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("database-driver", "postgres", "")
	require.NoError(t, flags.Parse([]string{"--database-driver=memory"}))

	cfg, err := LoadConfig(flags)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Queue.MaxConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Grading.Remote.Concurrency)
	assert.Equal(t, 9, cfg.Grading.Rule.Concurrency)
	assert.Equal(t, "memory", cfg.DatabaseDriver)
}

func TestEventConfig_GetKafkaBrokers(t *testing.T) {
	c := EventConfig{KafkaBrokers: "a:9092,b:9092"}
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.GetKafkaBrokers())
}
