package rebrand

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/ghost"
	"github.com/agentworkforce/rebrander/internal/lexical"
)

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("post-%d", i)
	}
	return ids
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[string][]Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{statuses: map[string][]Status{}}
}

func (r *statusRecorder) record(id string, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = append(r.statuses[id], status)
}

func (r *statusRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		n += len(s)
	}
	return n
}

func TestRunBoundsConcurrency(t *testing.T) {
	for _, tc := range []struct{ n, limit int }{{1, 1}, {10, 1}, {50, 3}, {200, 16}, {5, 100}} {
		t.Run(fmt.Sprintf("n=%d/limit=%d", tc.n, tc.limit), func(t *testing.T) {
			var inFlight, maxInFlight atomic.Int64
			mutate := func(ctx context.Context, id string) (bool, error) {
				current := inFlight.Add(1)
				for {
					seen := maxInFlight.Load()
					if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return true, nil
			}
			rec := newStatusRecorder()
			job := Run(context.Background(), makeIDs(tc.n), mutate, tc.limit, rec.record)
			job.Wait()

			assert.LessOrEqual(t, maxInFlight.Load(), int64(tc.limit))
			assert.Equal(t, tc.n, job.Total())
			require.Equal(t, tc.n, rec.count())
			for id, statuses := range rec.statuses {
				assert.Equal(t, []Status{StatusUpdated}, statuses, "post %s", id)
			}
		})
	}
}

func TestRunMapsOutcomesToStatuses(t *testing.T) {
	mutate := func(ctx context.Context, id string) (bool, error) {
		switch id {
		case "post-0":
			return false, nil
		case "post-1":
			return false, errors.New("boom")
		case "post-2":
			panic("unexpected")
		}
		return true, nil
	}
	rec := newStatusRecorder()
	Run(context.Background(), makeIDs(4), mutate, 2, rec.record).Wait()

	assert.Equal(t, map[string][]Status{
		"post-0": {StatusSkipped},
		"post-1": {StatusError},
		"post-2": {StatusError},
		"post-3": {StatusUpdated},
	}, rec.statuses)
}

func TestRunWithNoIDs(t *testing.T) {
	job := Run(context.Background(), nil, func(ctx context.Context, id string) (bool, error) {
		t.Fatalf("mutate should not be called")
		return false, nil
	}, 10, nil)
	select {
	case <-job.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected empty job to finish")
	}
	assert.Equal(t, 0, job.Total())
}

func TestAbortBeforeStartEmitsNothing(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	mutate := func(ctx context.Context, id string) (bool, error) {
		calls.Add(1)
		<-release
		return true, nil
	}
	rec := newStatusRecorder()
	job := Run(context.Background(), makeIDs(100), mutate, 2, rec.record)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	job.Abort()
	job.Abort()
	close(release)
	job.Wait()

	assert.True(t, job.Aborted())
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 100, job.Total())
}

func TestAbortLetsInFlightTasksFinish(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	mutate := func(ctx context.Context, id string) (bool, error) {
		started <- struct{}{}
		<-release
		return false, nil
	}
	rec := newStatusRecorder()
	job := Run(context.Background(), makeIDs(10), mutate, 3, rec.record)
	for i := 0; i < 3; i++ {
		<-started
	}
	job.Abort()
	close(release)
	job.Wait()

	assert.Equal(t, 3, rec.count())
	before := rec.count()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, rec.count())
}

func TestWithFaultInjection(t *testing.T) {
	var mutateCalls atomic.Int64
	mutate := func(ctx context.Context, id string) (bool, error) {
		mutateCalls.Add(1)
		return true, nil
	}
	var n atomic.Int64
	every4th := func() float64 {
		if n.Add(1)%4 == 0 {
			return 0
		}
		return 0.99
	}
	wrapped := WithFaultInjection(mutate, 0.5, every4th)

	var failures int
	for i := 0; i < 8; i++ {
		_, err := wrapped(context.Background(), "p")
		if err != nil {
			assert.ErrorIs(t, err, ErrInjectedFault)
			failures++
		}
	}
	assert.Equal(t, 2, failures)
	assert.Equal(t, int64(6), mutateCalls.Load())
}

func TestWithFaultInjectionZeroRateIsIdentity(t *testing.T) {
	wrapped := WithFaultInjection(func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}, 0, func() float64 {
		t.Fatalf("rnd should not be consulted")
		return 0
	})
	changed, err := wrapped(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestWithFaultInjectionFullRate(t *testing.T) {
	wrapped := WithFaultInjection(func(ctx context.Context, id string) (bool, error) {
		t.Fatalf("mutate should not be called")
		return true, nil
	}, 1, nil)
	for i := 0; i < 20; i++ {
		_, err := wrapped(context.Background(), "p")
		assert.ErrorIs(t, err, ErrInjectedFault)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeNone},
		{errors.Errorf("wrap: %w", ErrConfigValidation), CodeConfig},
		{ghost.ErrInvalidCredential, CodeConfig},
		{errors.Errorf("post x: %w", ErrInjectedFault), CodeInjected},
		{context.Canceled, CodeCancel},
		{errors.Errorf("probe: %w", ghost.ErrProbe), CodeProbe},
		{&ghost.RemoteError{StatusCode: 409, Type: "UpdateCollisionError"}, CodeConflict},
		{&ghost.RemoteError{StatusCode: 404}, CodeNotFound},
		{&ghost.RemoteError{StatusCode: 422, Type: "ValidationError"}, CodeRemote},
		{errors.Errorf("rewriting: %w", lexical.ErrParse), CodeParse},
		{ghost.ErrFetch, CodeFetch},
		{errors.New("mystery"), CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "error %v", tc.err)
	}
}
