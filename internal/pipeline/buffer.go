package pipeline

import (
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/models"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const defaultBufferCapacity = 10000

// Buffer holds ingested events until the next batch. When full it drops the oldest events.
type Buffer struct {
	mu      sync.Mutex
	events  []models.Event
	head    int
	size    int
	dropped int
	logger  *slog.Logger
}

// NewBuffer creates a buffer with the given capacity.
func NewBuffer(capacity int, logger *slog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &Buffer{
		events: make([]models.Event, capacity),
		logger: utils.Component(logger, "buffer"),
	}
}

// Add appends events and returns how many older events were evicted to make room.
func (b *Buffer) Add(events ...models.Event) int {
	b.mu.Lock()
	capacity := len(b.events)
	evicted := 0
	for _, ev := range events {
		idx := (b.head + b.size) % capacity
		if b.size == capacity {
			b.head = (b.head + 1) % capacity
			evicted++
		} else {
			b.size++
		}
		b.events[idx] = ev
	}
	b.dropped += evicted
	depth := b.size
	b.mu.Unlock()

	metrics.SetBufferDepth(depth)
	if evicted > 0 {
		metrics.ObserveBufferDropped(evicted)
		b.logger.Warn("ingest buffer full, dropped oldest events",
			slog.Int("dropped", evicted),
			slog.Int("capacity", capacity),
		)
	}
	return evicted
}

// Drain removes and returns every buffered event in arrival order.
func (b *Buffer) Drain() []models.Event {
	b.mu.Lock()
	capacity := len(b.events)
	out := make([]models.Event, b.size)
	for i := 0; i < b.size; i++ {
		idx := (b.head + i) % capacity
		out[i] = b.events[idx]
		b.events[idx] = models.Event{}
	}
	b.head, b.size = 0, 0
	b.mu.Unlock()

	metrics.SetBufferDepth(0)
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total number of evicted events.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
