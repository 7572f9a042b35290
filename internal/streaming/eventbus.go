package streaming

import (
	"context"
	"sync"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// Sink receives committed changes outside the process
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msgs []*ChangeMessage) error
	Close() error
}

// Forwarder copies committed changes to external sinks from a bounded
// queue so commits never wait on a broker
type Forwarder struct {
	sinks  []Sink
	queue  chan []models.ChangeEvent
	logger *logger.Logger

	mu      sync.Mutex
	dropped int
	done    chan struct{}
}

// NewForwarder creates a forwarder with a queue of size batches
func NewForwarder(size int, log *logger.Logger, sinks ...Sink) *Forwarder {
	if size <= 0 {
		size = 1024
	}
	return &Forwarder{
		sinks:  sinks,
		queue:  make(chan []models.ChangeEvent, size),
		logger: log.WithComponent("forwarder"),
		done:   make(chan struct{}),
	}
}

// Enqueue queues a committed batch, dropping it when the queue is full
func (fw *Forwarder) Enqueue(events []models.ChangeEvent) {
	if len(fw.sinks) == 0 {
		return
	}
	select {
	case fw.queue <- events:
	default:
		fw.mu.Lock()
		fw.dropped += len(events)
		fw.mu.Unlock()
		fw.logger.Warn().Int("events", len(events)).Msg("forwarder queue full, dropping batch")
	}
}

// Dropped returns how many events were never handed to the sinks
func (fw *Forwarder) Dropped() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.dropped
}

// Run delivers queued batches until ctx is done
func (fw *Forwarder) Run(ctx context.Context) {
	defer close(fw.done)
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.queue:
			fw.deliver(ctx, events)
		}
	}
}

func (fw *Forwarder) deliver(ctx context.Context, events []models.ChangeEvent) {
	msgs := make([]*ChangeMessage, len(events))
	for i, ev := range events {
		msgs[i] = NewChangeMessage(ev)
	}
	for _, s := range fw.sinks {
		if err := s.Deliver(ctx, msgs); err != nil {
			fw.logger.Warn().Err(err).Str("sink", s.Name()).Int("events", len(msgs)).Msg("sink delivery failed")
		}
	}
}

// Close waits for Run to return and closes the sinks
func (fw *Forwarder) Close(ctx context.Context) {
	select {
	case <-fw.done:
	case <-ctx.Done():
	}
	for _, s := range fw.sinks {
		if err := s.Close(); err != nil {
			fw.logger.Warn().Err(err).Str("sink", s.Name()).Msg("failed to close sink")
		}
	}
}
