// Package queue implements a single consumer FIFO work queue which pauses for a fixed delay
// between items. It is used to pace handling of inbound to-device traffic so bursts don't
// turn into bursts of crypto backend work.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Handler[T any] func(ctx context.Context, item T) error

type Queue[T any] struct {
	log      *zap.SugaredLogger
	delay    time.Duration
	handler  Handler[T]
	lock     sync.Mutex
	items    []T
	running  bool
	stopped  bool
	ctx      context.Context
	cancelFn context.CancelFunc
	finished sync.WaitGroup
}

func New[T any](log *zap.SugaredLogger, delay time.Duration, handler Handler[T]) *Queue[T] {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Queue[T]{
		log:      log,
		delay:    delay,
		handler:  handler,
		items:    make([]T, 0),
		ctx:      ctx,
		cancelFn: cancelFn,
	}
}

// Enqueue appends an item and starts the consumer if it is idle. Items enqueued after Stop
// are dropped.
func (q *Queue[T]) Enqueue(item T) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.stopped {
		q.log.Debugf("queue stopped, dropping item")
		return
	}
	q.items = append(q.items, item)
	if !q.running {
		q.running = true
		q.finished.Add(1)
		go q.process()
	}
}

func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// Stop halts processing and discards the backlog. It waits for the item currently being
// handled, if any, to return.
func (q *Queue[T]) Stop() {
	q.lock.Lock()
	if q.stopped {
		q.lock.Unlock()
		return
	}
	q.stopped = true
	if len(q.items) != 0 {
		q.log.Warnf("stopping queue with %d unprocessed items", len(q.items))
	}
	q.items = nil
	q.cancelFn()
	q.lock.Unlock()
	q.finished.Wait()
}

func (q *Queue[T]) process() {
	defer q.finished.Done()
	for {
		q.lock.Lock()
		if q.stopped || len(q.items) == 0 {
			q.running = false
			q.lock.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.lock.Unlock()

		if err := q.handler(q.ctx, item); err != nil {
			q.log.Warnf("error while processing queue item %#v", err)
		}

		select {
		case <-q.ctx.Done():
			q.lock.Lock()
			q.running = false
			q.lock.Unlock()
			return
		case <-time.After(q.delay):
		}
	}
}
