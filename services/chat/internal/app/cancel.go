package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// errCancelRequested is the cancellation cause for an explicit cancel call.
var errCancelRequested = errors.New("cancel requested")

// errQueryTimeout is the cancellation cause when the per-query deadline passes.
var errQueryTimeout = errors.New("query timeout")

const defaultCancelChannel = "pdfchat:cancel"

// CancelRegistry tracks in-flight streams per thread so they can be stopped
// from another request. With Redis configured, cancel requests are broadcast
// to every instance over pub/sub.
type CancelRegistry struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]map[uint64]context.CancelCauseFunc

	redis   redis.UniversalClient
	channel string
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{entries: make(map[string]map[uint64]context.CancelCauseFunc)}
}

// WithBroadcast enables cross-instance delivery. Run must be started for
// this instance to receive remote requests.
func (r *CancelRegistry) WithBroadcast(client redis.UniversalClient, channel string) *CancelRegistry {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultCancelChannel
	}
	r.redis = client
	r.channel = channel
	return r
}

// Register adds cancel under threadID and returns the matching unregister func.
func (r *CancelRegistry) Register(threadID string, cancel context.CancelCauseFunc) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	set, ok := r.entries[threadID]
	if !ok {
		set = make(map[uint64]context.CancelCauseFunc)
		r.entries[threadID] = set
	}
	set[id] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.entries[threadID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.entries, threadID)
			}
		}
	}
}

// Active reports how many streams are registered for threadID on this instance.
func (r *CancelRegistry) Active(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[threadID])
}

// Cancel stops every stream on threadID. It returns the number of local
// streams cancelled; remote instances are reached through the broadcast.
func (r *CancelRegistry) Cancel(ctx context.Context, threadID string) (int, error) {
	n := r.cancelLocal(threadID)
	if r.redis == nil {
		return n, nil
	}
	if err := r.redis.Publish(ctx, r.channel, threadID).Err(); err != nil {
		return n, err
	}
	return n, nil
}

func (r *CancelRegistry) cancelLocal(threadID string) int {
	r.mu.Lock()
	set := r.entries[threadID]
	cancels := make([]context.CancelCauseFunc, 0, len(set))
	for _, c := range set {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c(errCancelRequested)
	}
	return len(cancels)
}

// Run consumes broadcast cancel requests until ctx is done. It returns nil
// immediately when no broadcast is configured. ready, if non-nil, is closed
// once the subscription is confirmed.
func (r *CancelRegistry) Run(ctx context.Context, ready chan<- struct{}) error {
	if r.redis == nil {
		if ready != nil {
			close(ready)
		}
		return nil
	}
	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if n := r.cancelLocal(msg.Payload); n > 0 {
				slog.Debug("remote_cancel_applied", "thread_id", msg.Payload, "streams", n)
			}
		}
	}
}
