/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package taskqueue provides a bounded queue of asynchronous tasks with
// per-task identity and completion notification.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"
)

// DefaultMaxActive is the default concurrency ceiling.
const DefaultMaxActive = 50

var logger = log.New("agent-core/taskqueue")

// ErrQueueClosed is returned on task admission after shutdown began.
var ErrQueueClosed = errors.New("task queue is closed")

// Task is one asynchronous unit of work.
type Task func(ctx context.Context) error

// CompletedTask reports the outcome and timing of a finished task.
type CompletedTask struct {
	Ident   string
	Err     error
	Queued  time.Time
	Started time.Time
	Ended   time.Time
}

// QueuedDuration is the time the task waited for a free slot.
func (t CompletedTask) QueuedDuration() time.Duration {
	return t.Started.Sub(t.Queued)
}

// ActiveDuration is the time the task spent executing.
func (t CompletedTask) ActiveDuration() time.Duration {
	return t.Ended.Sub(t.Started)
}

// PendingTask is a future-like handle on a submitted task.
type PendingTask struct {
	ident  string
	done   chan struct{}
	result CompletedTask
}

// Ident returns the task's identity, for observability.
func (p *PendingTask) Ident() string {
	return p.ident
}

// Done is closed once the task has completed.
func (p *PendingTask) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the task completes or the context is cancelled.
func (p *PendingTask) Wait(ctx context.Context) (CompletedTask, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return CompletedTask{}, ctx.Err()
	}
}

// OnComplete observes completed tasks, e.g. for timing collection.
type OnComplete func(task CompletedTask)

// Queue admits tasks up to a configured concurrency ceiling; beyond it, new
// tasks wait until a slot frees. The queue never cancels a running task;
// shutdown stops admission and waits out a grace period.
type Queue struct {
	slots      chan struct{}
	onComplete OnComplete
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// New returns a queue with the given concurrency ceiling. A non-positive
// ceiling falls back to DefaultMaxActive. onComplete may be nil.
func New(maxActive int, onComplete OnComplete) *Queue {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}

	return &Queue{
		slots:      make(chan struct{}, maxActive),
		onComplete: onComplete,
	}
}

// Put submits a task for execution, returning immediately with a pending
// handle. The task runs as soon as a slot frees, in admission order relative
// to slot availability.
func (q *Queue) Put(ctx context.Context, ident string, task Task) (*PendingTask, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	q.wg.Add(1)
	q.mu.Unlock()

	pending := &PendingTask{
		ident: ident,
		done:  make(chan struct{}),
	}

	queued := time.Now()

	go func() {
		defer q.wg.Done()

		q.slots <- struct{}{}
		defer func() { <-q.slots }()

		started := time.Now()

		err := runTask(ctx, task)

		pending.result = CompletedTask{
			Ident:   ident,
			Err:     err,
			Queued:  queued,
			Started: started,
			Ended:   time.Now(),
		}

		close(pending.done)

		if q.onComplete != nil {
			q.onComplete(pending.result)
		}
	}()

	return pending, nil
}

// Shutdown stops admitting new tasks and waits up to grace for in-flight
// tasks to finish. It returns an error if the grace period elapses first.
func (q *Queue) Shutdown(grace time.Duration) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("task queue shutdown: tasks still running after %s", grace)
	}
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			logger.Errorf("recovered task panic: %v", r)
		}
	}()

	return task(ctx)
}
