package supervisor

import (
	"context"
	"sync"

	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// Run is a handle to one background session run.
type Run struct {
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	subs    map[int]chan orchestration.ProgressEvent
	nextSub int
	dropped int
	last    *orchestration.ProgressEvent
	result  *orchestration.RunResult
	err     error
}

func newRun(sessionID string, cancel context.CancelFunc) *Run {
	return &Run{
		SessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[int]chan orchestration.ProgressEvent),
	}
}

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) (*orchestration.RunResult, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a finished run, or nil, nil while it is running.
func (r *Run) Result() (*orchestration.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Last returns the most recent event published by the run.
func (r *Run) Last() (orchestration.ProgressEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return orchestration.ProgressEvent{}, false
	}
	return *r.last, true
}

// Dropped counts events not delivered because a subscriber fell behind.
func (r *Run) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Subscribe returns a channel of the run's future events. The channel is closed when
// the run ends or the returned func is called. Subscribing to a finished run yields
// an already-closed channel.
func (r *Run) Subscribe() (<-chan orchestration.ProgressEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan orchestration.ProgressEvent, subscriberBuffer)
	select {
	case <-r.done:
		close(ch)
		return ch, func() {}
	default:
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(sub)
			}
		})
	}
}

// publish never blocks the executor: a full subscriber misses the event.
func (r *Run) publish(ev orchestration.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last = &ev
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.dropped++
		}
	}
}

func (r *Run) finish(res *orchestration.RunResult, err error) {
	r.mu.Lock()
	r.result = res
	r.err = err
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	close(r.done)
	r.mu.Unlock()
}
