package realtime

import (
	"context"
	"sync"
	"time"

	"genpaper/internal/models"
)

// StatusEvent is published on every job status transition.
type StatusEvent struct {
	JobID    string           `json:"job_id"`
	PaperID  string           `json:"paper_id,omitempty"`
	OwnerID  string           `json:"owner_id,omitempty"`
	Status   models.JobStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

type Bus interface {
	Publish(ctx context.Context, ev StatusEvent) error
	StartForwarder(ctx context.Context, onEvent func(StatusEvent)) error
	Close() error
}

// LocalBus delivers events in process. It is used when no redis address is configured.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(StatusEvent)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: map[int]func(StatusEvent){}}
}

func (b *LocalBus) Publish(_ context.Context, ev StatusEvent) error {
	b.mu.RLock()
	hs := make([]func(StatusEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
	return nil
}

// StartForwarder registers onEvent until ctx is done.
func (b *LocalBus) StartForwarder(ctx context.Context, onEvent func(StatusEvent)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = onEvent
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.handlers = map[int]func(StatusEvent){}
	b.mu.Unlock()
	return nil
}
