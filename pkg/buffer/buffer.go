// Package buffer provides generic, thread-safe bounded queues with overflow policies.
//
// Every queue between metricrelay stages is a CircularBuffer: per-source ingress
// queues, the network and sink fan-out legs, and the per-sink dispatch queues.
// Statistics are always collected; Prometheus export is optional via WithMetrics.
package buffer

import (
	"context"
	"fmt"
	"strings"
)

// Buffer represents a generic bounded queue parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item according to the overflow policy. With Block it waits
	// for space without a deadline; prefer WriteWithContext.
	Write(item T) error

	// WriteWithContext is Write with cancellation for the Block policy.
	WriteWithContext(ctx context.Context, item T) error

	// Read removes one item. Returns false if the buffer is empty.
	Read() (T, bool)

	// ReadWithContext waits until an item is available, ctx is done or the
	// buffer is closed and drained.
	ReadWithContext(ctx context.Context) (T, error)

	// ReadBatch removes up to max items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Ready is signalled after writes so single consumers can select on it.
	Ready() <-chan struct{}

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	// Stats returns buffer statistics (always available).
	Stats() *Statistics

	// Close wakes blocked writers and readers; further writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes writes to wait until space is available.
	Block
)

// String returns the configuration spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "drop-oldest", "drop-newest" or "block".
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "drop_oldest", "dropoldest":
		return DropOldest, nil
	case "drop-newest", "drop_newest", "dropnewest":
		return DropNewest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// DropCallback is called with each item dropped by the overflow policy or Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
