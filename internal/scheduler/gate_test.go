package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkhound/inkhound/internal/lock"
)

type fakeLocker struct {
	free     bool
	acquired []string
	released int
}

func (f *fakeLocker) TryAcquire(key string) (lock.Handle, bool) {
	if !f.free {
		return nil, false
	}
	f.acquired = append(f.acquired, key)
	return &fakeHandle{locker: f}, true
}

type fakeHandle struct {
	locker *fakeLocker
}

func (h *fakeHandle) Release() error {
	h.locker.released++
	return nil
}

func gatedJob(sourceKey string) *Job {
	return &Job{ID: "job-1", Type: "chapter.download", SourceKey: sourceKey}
}

func TestGateAcquiresAndReleases(t *testing.T) {
	locker := &fakeLocker{free: true}
	gate := NewConcurrencyGate(locker, "chapter.download")

	rc := NewRunContext(gatedJob("mangadex"))
	require.NoError(t, gate.Before(context.Background(), rc))
	assert.Equal(t, []string{"mangadex"}, locker.acquired)

	gate.After(rc, nil)
	assert.Equal(t, 1, locker.released)
}

func TestGateDefersWhenSourceBusy(t *testing.T) {
	locker := &fakeLocker{free: false}
	gate := NewConcurrencyGate(locker, "chapter.download")

	rc := NewRunContext(gatedJob("mangadex"))
	err := gate.Before(context.Background(), rc)
	assert.ErrorIs(t, err, ErrDeferred)

	// Nothing was acquired, so After must not release anything.
	gate.After(rc, err)
	assert.Equal(t, 0, locker.released)
}

func TestGateIgnoresUngatedTypes(t *testing.T) {
	locker := &fakeLocker{free: false}
	gate := NewConcurrencyGate(locker, "chapter.download")

	rc := NewRunContext(&Job{ID: "job-2", Type: "chapter.discover", SourceKey: "mangadex"})
	assert.NoError(t, gate.Before(context.Background(), rc))
	assert.Empty(t, locker.acquired)
}

func TestGateSkipsJobsWithoutSourceKey(t *testing.T) {
	locker := &fakeLocker{free: false}
	gate := NewConcurrencyGate(locker, "chapter.download")

	rc := NewRunContext(gatedJob(""))
	assert.NoError(t, gate.Before(context.Background(), rc))
}

func TestGateReleaseIsIdempotent(t *testing.T) {
	locker := &fakeLocker{free: true}
	gate := NewConcurrencyGate(locker, "chapter.download")

	rc := NewRunContext(gatedJob("mangadex"))
	require.NoError(t, gate.Before(context.Background(), rc))

	gate.After(rc, nil)
	gate.After(rc, nil)
	assert.Equal(t, 1, locker.released)
}
