package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	depths map[string]int
	err    error
}

func (f *fakeMonitor) QueueDepths(ctx context.Context, queues []string) (map[string]int, error) {
	return f.depths, f.err
}

func TestPool(t *testing.T) {
	queues := ChapterDownloadPool(3)
	assert.Equal(t, []string{"chapter-download-1", "chapter-download-2", "chapter-download-3"}, queues)
}

func TestSelectLeastLoaded(t *testing.T) {
	tests := []struct {
		name     string
		depths   map[string]int
		queues   []string
		expected string
	}{
		{
			name:     "picks emptiest",
			depths:   map[string]int{"a": 5, "b": 2, "c": 9},
			queues:   []string{"a", "b", "c"},
			expected: "b",
		},
		{
			name:     "absent queue counts as empty",
			depths:   map[string]int{"a": 1, "c": 1},
			queues:   []string{"a", "b", "c"},
			expected: "b",
		},
		{
			name:     "tie goes to earliest candidate",
			depths:   map[string]int{"a": 3, "b": 3, "c": 3},
			queues:   []string{"a", "b", "c"},
			expected: "a",
		},
		{
			name:     "all empty fills in order",
			depths:   map[string]int{},
			queues:   []string{"x", "y"},
			expected: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := &fakeMonitor{depths: tt.depths}
			queue, err := SelectLeastLoaded(context.Background(), monitor, tt.queues)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, queue)
		})
	}
}

func TestSelectLeastLoadedErrors(t *testing.T) {
	_, err := SelectLeastLoaded(context.Background(), &fakeMonitor{}, nil)
	assert.Error(t, err)

	monitorErr := errors.New("connection refused")
	_, err = SelectLeastLoaded(context.Background(), &fakeMonitor{err: monitorErr}, []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, monitorErr)
}

func TestWorkerQueueAssignment(t *testing.T) {
	pool := NewWorkerPool(nil, 2, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "c"}, pool.assignments[0])
	assert.Equal(t, []string{"b"}, pool.assignments[1])

	// More workers than queues: spares watch everything.
	pool = NewWorkerPool(nil, 3, []string{"a"})
	assert.Equal(t, []string{"a"}, pool.assignments[0])
	assert.Equal(t, []string{"a"}, pool.assignments[1])
	assert.Equal(t, []string{"a"}, pool.assignments[2])
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, retryBaseDelay, retryDelay(1))
	assert.Equal(t, 2*retryBaseDelay, retryDelay(2))
	assert.Equal(t, 4*retryBaseDelay, retryDelay(3))
	assert.Equal(t, maxRetryDelay, retryDelay(20))
}
