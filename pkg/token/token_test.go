package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"batch-orchestrator/pkg/batch"
)

func TestResumeDeliversResult(t *testing.T) {
	w := NewWaiter()
	ch := w.Register("tok-1")

	ok := w.Resume("tok-1", batch.JobResult{JobID: "job-1", Status: batch.StatusCompleted})
	require.True(t, ok)

	result := <-ch
	require.Equal(t, "job-1", result.JobID)
	require.Equal(t, batch.StatusCompleted, result.Status)
	require.Equal(t, 0, w.Pending())
}

func TestResumeTwiceIsNoOp(t *testing.T) {
	w := NewWaiter()
	w.Register("tok-1")

	require.True(t, w.Resume("tok-1", batch.JobResult{Status: batch.StatusCompleted}))
	require.False(t, w.Resume("tok-1", batch.JobResult{Status: batch.StatusFailed}))
}

func TestResumeUnknownToken(t *testing.T) {
	w := NewWaiter()
	require.False(t, w.Resume("never-registered", batch.JobResult{}))
}

func TestCancelDropsWaiter(t *testing.T) {
	w := NewWaiter()
	w.Register("tok-1")
	w.Cancel("tok-1")

	require.Equal(t, 0, w.Pending())
	require.False(t, w.Resume("tok-1", batch.JobResult{}))
}

// Concurrent resumes of the same token must deliver exactly once.
func TestConcurrentResumeExactlyOnce(t *testing.T) {
	w := NewWaiter()
	ch := w.Register("tok-1")

	const attempts = 16
	var wg sync.WaitGroup
	delivered := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered <- w.Resume("tok-1", batch.JobResult{Status: batch.StatusCompleted})
		}()
	}
	wg.Wait()
	close(delivered)

	wins := 0
	for ok := range delivered {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
	require.Len(t, ch, 1)
}
