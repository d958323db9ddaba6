// Package ingest moves decoded chat messages from the sessions to storage: a bounded Router shared
// by all sessions and a single batched Writer draining it.
package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/onnwee/chatfleet/chat"
	"github.com/onnwee/chatfleet/telemetry"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingest: router closed")

// Router is a bounded multi-producer, single-consumer queue. Submit blocks while the queue is full,
// which pushes back on the session read loops instead of growing memory.
type Router struct {
	ch chan chat.Message

	mu     sync.RWMutex
	closed bool
}

// NewRouter returns a Router holding at most size pending messages.
func NewRouter(size int) *Router {
	if size <= 0 {
		size = 1
	}
	return &Router{ch: make(chan chat.Message, size)}
}

// Submit queues msg, waiting for space until ctx is done.
func (r *Router) Submit(ctx context.Context, msg chat.Message) error {
	// The read lock is held across the send so Close cannot close the channel under a blocked sender;
	// Close waits for in-flight sends, which are bounded by ctx.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		telemetry.CountDropped("closed")
		return ErrClosed
	}
	select {
	case r.ch <- msg:
		telemetry.CountReceived()
		telemetry.SetQueueDepth(len(r.ch))
		return nil
	case <-ctx.Done():
		telemetry.CountDropped("queue_timeout")
		return ctx.Err()
	}
}

// Messages is the consumer side. It is closed by Close once in-flight submits finish.
func (r *Router) Messages() <-chan chat.Message {
	return r.ch
}

// Len reports the number of queued messages.
func (r *Router) Len() int { return len(r.ch) }

// Close stops accepting messages. Safe to call more than once.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
