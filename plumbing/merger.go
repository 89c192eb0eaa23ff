package plumbing

import (
	"context"
	"sync"

	"github.com/c360/metricrelay/sample"
)

// Merger is the fan-in of every Ingress into the single pipeline task.
// Dequeues rotate round-robin so that a busy source cannot starve the others;
// no temporal order across sources is implied.
type Merger struct {
	mu     sync.Mutex
	inputs []*Ingress
	next   int
	wake   chan struct{}
}

// NewMerger creates a merger over the given queues.
func NewMerger(inputs ...*Ingress) *Merger {
	m := &Merger{wake: make(chan struct{}, 1)}
	for _, in := range inputs {
		m.Add(in)
	}
	return m
}

// Add registers another ingress queue.
func (m *Merger) Add(in *Ingress) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	in.attach(m.wake)
	m.signal()
}

// Sources returns the number of registered queues.
func (m *Merger) Sources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *Merger) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// TryNext returns the next sample without waiting.
func (m *Merger) TryNext() (sample.MetricSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.inputs)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		if s, ok := m.inputs[idx].read(); ok {
			m.next = (idx + 1) % n
			return s, true
		}
	}
	return sample.MetricSample{}, false
}

// Next waits for the next sample in round-robin order or for ctx to end.
func (m *Merger) Next(ctx context.Context) (sample.MetricSample, error) {
	for {
		if s, ok := m.TryNext(); ok {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return sample.MetricSample{}, ctx.Err()
		case <-m.wake:
		}
	}
}
