// Package rebrand applies a per-post mutation across many posts with bounded
// concurrency and cooperative abort.
package rebrand

import (
	"context"
	"sync"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/semaphore"

	"github.com/agentworkforce/rebrander/internal/ghost"
)

type Status string

const (
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// MutateFunc changes one post. It reports whether anything was written.
type MutateFunc func(ctx context.Context, id string) (bool, error)

// StatusFunc receives the terminal status of one post. It is called from many
// goroutines at once.
type StatusFunc func(id string, status Status, err error)

type Job struct {
	total   int
	aborted atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// Run starts one task per id and returns immediately. At most limit tasks
// call mutate at the same time. Every task that gets past the abort check
// reports exactly one status.
func Run(ctx context.Context, ids []string, mutate MutateFunc, limit int, onStatus StatusFunc) *Job {
	if limit < 1 {
		limit = 1
	}
	job := &Job{total: len(ids), done: make(chan struct{})}
	sem := semaphore.NewWeighted(int64(limit))
	job.wg.Add(len(ids))
	for _, id := range ids {
		go job.process(ctx, sem, id, mutate, onStatus)
	}
	go func() {
		job.wg.Wait()
		close(job.done)
	}()
	return job
}

func (j *Job) process(ctx context.Context, sem *semaphore.Weighted, id string, mutate MutateFunc, onStatus StatusFunc) {
	defer j.wg.Done()
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)
	if j.aborted.Load() {
		return
	}
	changed, err := safeMutate(ctx, mutate, id)
	status := StatusSkipped
	switch {
	case err != nil:
		status = StatusError
	case changed:
		status = StatusUpdated
	}
	if onStatus != nil {
		onStatus(id, status, err)
	}
}

func safeMutate(ctx context.Context, mutate MutateFunc, id string) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changed = false
			err = errors.Errorf("mutating post %s panicked: %v", id, r)
		}
	}()
	return mutate(ctx, id)
}

// Abort stops tasks that have not yet called mutate. It may be called any
// number of times.
func (j *Job) Abort() {
	j.aborted.Store(true)
}

func (j *Job) Aborted() bool {
	return j.aborted.Load()
}

func (j *Job) Total() int {
	return j.total
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Wait() {
	<-j.done
}

// PostMutator replaces target with replacement in the body of a post.
func PostMutator(client *ghost.Client, target, replacement string) MutateFunc {
	return func(ctx context.Context, id string) (bool, error) {
		return client.ReplaceTextInPost(ctx, id, target, replacement)
	}
}
