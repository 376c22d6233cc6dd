package keyexchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const queueCapacity = 1024

// queue hands items to process one at a time, in order, waiting delay between items.
type queue[T any] struct {
	log     *zap.SugaredLogger
	name    string
	delay   time.Duration
	process func(context.Context, T) error

	lock     sync.Mutex
	items    chan T
	running  bool
	cancel   context.CancelFunc
	finished sync.WaitGroup
}

func newQueue[T any](log *zap.SugaredLogger, name string, delay time.Duration, process func(context.Context, T) error) *queue[T] {
	return &queue[T]{
		log:     log,
		name:    name,
		delay:   delay,
		process: process,
		items:   make(chan T, queueCapacity),
	}
}

func (q *queue[T]) start(ctx context.Context) {
	q.lock.Lock()
	defer q.lock.Unlock()
	ctx, q.cancel = context.WithCancel(ctx)
	q.running = true
	q.finished.Add(1)
	go func() {
		defer q.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-q.items:
				if err := q.process(ctx, item); err != nil {
					q.log.Errorf("error processing %s item: %s", q.name, err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.delay):
				}
			}
		}
	}()
}

func (q *queue[T]) enqueue(item T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.running {
		q.log.Warnf("%s queue is not running, dropping item", q.name)
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		q.log.Warnf("%s queue is full, dropping item", q.name)
		return false
	}
}

// stop waits for the item in flight and returns how many queued items were left unprocessed.
func (q *queue[T]) stop() int {
	q.lock.Lock()
	if !q.running {
		q.lock.Unlock()
		return 0
	}
	q.running = false
	q.cancel()
	q.lock.Unlock()
	q.finished.Wait()

	left := 0
	for {
		select {
		case <-q.items:
			left++
		default:
			if left > 0 {
				q.log.Warnf("%s queue stopped with %d items still queued", q.name, left)
			}
			return left
		}
	}
}
