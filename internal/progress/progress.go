// Package progress fans out ProgressSnapshot updates to the poll
// endpoint and an outbound callback sink. The current snapshot is
// replaced atomically on each transition; readers always see the
// last-writer-wins value.
package progress

import (
	"sync"

	"github.com/ecairns22/otad/internal/errcode"
	"github.com/ecairns22/otad/internal/state"
)

// Snapshot is the in-memory progress record read by Progress Bus
// consumers.
type Snapshot struct {
	Stage     state.Stage  `json:"stage"`
	Percent   int          `json:"percent"`
	Message   string       `json:"message"`
	ErrorCode errcode.Code `json:"error,omitempty"`
}

// Sink receives every published snapshot, best-effort. A Sink must not
// block the publisher; implementations that do network I/O should
// return quickly and do their own work asynchronously.
type Sink interface {
	Publish(Snapshot)
}

// Bus holds the current snapshot and fans out updates to any
// registered sinks.
type Bus struct {
	mu      sync.RWMutex
	current Snapshot
	sinks   []Sink
}

// New creates a Bus starting in the idle stage.
func New() *Bus {
	return &Bus{current: Snapshot{Stage: state.StageIdle}}
}

// AddSink registers a sink to receive future publications. Not safe to
// call concurrently with Publish.
func (b *Bus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish replaces the current snapshot and notifies sinks.
func (b *Bus) Publish(snap Snapshot) {
	b.mu.Lock()
	b.current = snap
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Publish(snap)
	}
}

// Current returns the most recently published snapshot without
// blocking on any sink.
func (b *Bus) Current() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}
