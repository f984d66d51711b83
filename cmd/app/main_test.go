package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inkhound/inkhound/internal/scheduler"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"JOB_MAX_ATTEMPTS", "CHAPTER_DELAY_MIN", "CHAPTER_DELAY_MAX",
		"PAGE_DELAY_MIN", "PAGE_DELAY_MAX", "DEFER_COOLDOWN",
		"SWEEP_INTERVAL", "STALE_LOCK_TIMEOUT", "RECORD_STALE_THRESHOLD",
	} {
		t.Setenv(key, "")
	}

	cfg := loadConfig()

	assert.Equal(t, scheduler.DefaultMaxAttempts, cfg.maxAttempts)
	assert.Zero(t, cfg.chapterDelayMin)
	assert.Zero(t, cfg.chapterDelayMax)
	assert.Zero(t, cfg.pageDelayMin)
	assert.Zero(t, cfg.pageDelayMax)
	assert.Zero(t, cfg.deferCooldown)
	assert.Zero(t, cfg.sweepInterval)
	assert.Zero(t, cfg.staleLockTimeout)
	assert.Zero(t, cfg.staleThreshold)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JOB_MAX_ATTEMPTS", "4")
	t.Setenv("CHAPTER_DELAY_MIN", "100ms")
	t.Setenv("CHAPTER_DELAY_MAX", "2s")
	t.Setenv("PAGE_DELAY_MIN", "250ms")
	t.Setenv("PAGE_DELAY_MAX", "1s")
	t.Setenv("DEFER_COOLDOWN", "45s")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("STALE_LOCK_TIMEOUT", "20m")
	t.Setenv("RECORD_STALE_THRESHOLD", "12h")

	cfg := loadConfig()

	assert.Equal(t, 4, cfg.maxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.chapterDelayMin)
	assert.Equal(t, 2*time.Second, cfg.chapterDelayMax)
	assert.Equal(t, 250*time.Millisecond, cfg.pageDelayMin)
	assert.Equal(t, time.Second, cfg.pageDelayMax)
	assert.Equal(t, 45*time.Second, cfg.deferCooldown)
	assert.Equal(t, 30*time.Second, cfg.sweepInterval)
	assert.Equal(t, 20*time.Minute, cfg.staleLockTimeout)
	assert.Equal(t, 12*time.Hour, cfg.staleThreshold)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))

	t.Setenv("TEST_DURATION", "not a duration")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Minute))

	t.Setenv("TEST_DURATION", "-5s")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Minute))

	t.Setenv("TEST_DURATION", "")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Minute))
}
