package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "TrainerRelay", cfg.NamePrefix)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.True(t, cfg.GradeLimiter)
	assert.False(t, cfg.PairClearsSaved)
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig([]string{
		"--name-prefix=MyRelay",
		"--grade-limiter=false",
		"--tick-interval=2s",
	})
	require.NoError(t, err)
	assert.Equal(t, "MyRelay", cfg.NamePrefix)
	assert.False(t, cfg.GradeLimiter)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
}

func TestLoadConfigEnvOverridesDashedKeys(t *testing.T) {
	t.Setenv("RELAY_NAME_PREFIX", "EnvRelay")
	t.Setenv("RELAY_PAIR_CLEARS_SAVED", "true")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "EnvRelay", cfg.NamePrefix)
	assert.True(t, cfg.PairClearsSaved)
}

func TestLoadConfigRejectsEmptyPrefix(t *testing.T) {
	_, err := loadConfig([]string{"--name-prefix="})
	assert.Error(t, err)
}

func TestLoadConfigRejectsZeroTick(t *testing.T) {
	_, err := loadConfig([]string{"--tick-interval=0s"})
	assert.Error(t, err)
}
