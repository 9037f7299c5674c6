package listener

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batch-orchestrator/pkg/batch"
	"batch-orchestrator/pkg/database"
	"batch-orchestrator/pkg/token"
)

// fakeStore mimics the database semantics: ConsumeContinuation removes the
// row atomically, so the second consume for the same job id returns nil.
type fakeStore struct {
	mu    sync.Mutex
	byJob map[string]database.Continuation
}

func newFakeStore() *fakeStore {
	return &fakeStore{byJob: map[string]database.Continuation{}}
}

func (f *fakeStore) put(c database.Continuation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byJob[c.JobID] = c
}

func (f *fakeStore) ConsumeContinuation(_ context.Context, jobID string) (*database.Continuation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byJob[jobID]
	if !ok {
		return nil, nil
	}
	delete(f.byJob, jobID)
	return &c, nil
}

func (f *fakeStore) ExpireContinuations(_ context.Context, now time.Time) ([]database.Continuation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []database.Continuation
	for jobID, c := range f.byJob {
		if c.Deadline != nil && c.Deadline.Before(now) {
			expired = append(expired, c)
			delete(f.byJob, jobID)
		}
	}
	return expired, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleEventResumesWaiter(t *testing.T) {
	store := newFakeStore()
	w := token.NewWaiter()
	l := New(store, w, testLogger())

	ch := w.Register("tok-1")
	store.put(database.Continuation{JobID: "job-1", Token: "tok-1", JobName: "stage1-0000"})

	err := l.HandleEvent(context.Background(), batch.StatusEvent{
		JobID:     "job-1",
		Status:    batch.StatusCompleted,
		OutputURI: "s3://bkt/batch_outputs_json/stage1/0000/",
	})
	require.NoError(t, err)

	result := <-ch
	require.Equal(t, "job-1", result.JobID)
	require.Equal(t, "stage1-0000", result.JobName)
	require.Equal(t, batch.StatusCompleted, result.Status)
	require.Equal(t, "s3://bkt/batch_outputs_json/stage1/0000/", result.OutputURI)
}

func TestHandleEventDuplicateIsNoOp(t *testing.T) {
	store := newFakeStore()
	w := token.NewWaiter()
	l := New(store, w, testLogger())

	ch := w.Register("tok-1")
	store.put(database.Continuation{JobID: "job-1", Token: "tok-1", JobName: "stage1-0000"})

	ev := batch.StatusEvent{JobID: "job-1", Status: batch.StatusCompleted}
	require.NoError(t, l.HandleEvent(context.Background(), ev))
	// At-least-once delivery: the duplicate finds no continuation and is
	// silently ignored.
	require.NoError(t, l.HandleEvent(context.Background(), ev))

	require.Len(t, ch, 1)
	require.Equal(t, 0, w.Pending())
}

func TestHandleEventIgnoresNonTerminal(t *testing.T) {
	store := newFakeStore()
	w := token.NewWaiter()
	l := New(store, w, testLogger())

	w.Register("tok-1")
	store.put(database.Continuation{JobID: "job-1", Token: "tok-1", JobName: "stage1-0000"})

	for _, status := range []batch.Status{batch.StatusSubmitted, batch.StatusValidating, batch.StatusInProgress} {
		require.NoError(t, l.HandleEvent(context.Background(), batch.StatusEvent{JobID: "job-1", Status: status}))
	}
	// The continuation is still pending for the eventual terminal event.
	require.Equal(t, 1, w.Pending())
	require.Len(t, store.byJob, 1)
}

func TestHandleEventUnknownJob(t *testing.T) {
	l := New(newFakeStore(), token.NewWaiter(), testLogger())
	err := l.HandleEvent(context.Background(), batch.StatusEvent{
		JobID:  "never-submitted",
		Status: batch.StatusCompleted,
	})
	require.NoError(t, err)
}

func TestHandleEventFailureGetsMessage(t *testing.T) {
	store := newFakeStore()
	w := token.NewWaiter()
	l := New(store, w, testLogger())

	ch := w.Register("tok-1")
	store.put(database.Continuation{JobID: "job-1", Token: "tok-1", JobName: "stage1-0000"})

	require.NoError(t, l.HandleEvent(context.Background(), batch.StatusEvent{
		JobID:  "job-1",
		Status: batch.StatusExpired,
	}))
	result := <-ch
	require.Equal(t, batch.StatusExpired, result.Status)
	require.Contains(t, result.Message, "Expired")
}

func TestSweepForceFailsExpired(t *testing.T) {
	store := newFakeStore()
	w := token.NewWaiter()
	l := New(store, w, testLogger())

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	chExpired := w.Register("tok-old")
	w.Register("tok-new")
	store.put(database.Continuation{JobID: "job-old", Token: "tok-old", JobName: "stage1-0000", Deadline: &past})
	store.put(database.Continuation{JobID: "job-new", Token: "tok-new", JobName: "stage1-0001", Deadline: &future})

	l.sweep(context.Background(), time.Now())

	result := <-chExpired
	require.Equal(t, batch.StatusTimedOut, result.Status)
	require.Equal(t, "stage1-0000", result.JobName)
	// The unexpired continuation is untouched.
	require.Equal(t, 1, w.Pending())
	require.Len(t, store.byJob, 1)
}
