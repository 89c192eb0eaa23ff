package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/errors"
	"github.com/c360/metricrelay/metric"
)

func TestCircularBuffer_BasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	head, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", head)
	assert.Equal(t, 3, buf.Size())

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", item)

	assert.Equal(t, []string{"second", "third"}, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(10))

	_, ok = buf.Read()
	assert.False(t, ok)
}

func TestCircularBuffer_DropOldestRetainsNewest(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](100,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 150; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, 100, buf.Size())
	assert.Equal(t, int64(50), buf.Stats().Drops())
	assert.Len(t, dropped, 50)
	assert.Equal(t, 0, dropped[0])
	assert.Equal(t, 49, dropped[49])

	items := buf.ReadBatch(100)
	require.Len(t, items, 100)
	assert.Equal(t, 50, items[0])
	assert.Equal(t, 149, items[99])
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, []int{0, 1}, buf.ReadBatch(5))
	assert.Equal(t, int64(3), buf.Stats().Drops())
}

func TestCircularBuffer_BlockWaitsForSpace(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	written := make(chan error, 1)
	go func() {
		written <- buf.WriteWithContext(context.Background(), 2)
	}()

	select {
	case <-written:
		t.Fatal("write should block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after read")
	}
	assert.Equal(t, int64(0), buf.Stats().Drops())
}

func TestCircularBuffer_BlockHonoursContext(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = buf.WriteWithContext(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, buf.Size())
}

func TestCircularBuffer_CloseWakesBlockedWriter(t *testing.T) {
	buf, err := NewCircularBuffer[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	require.NoError(t, buf.Write(1))

	var wg sync.WaitGroup
	wg.Add(1)
	var writeErr error
	go func() {
		defer wg.Done()
		writeErr = buf.Write(2)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())
	wg.Wait()

	assert.ErrorIs(t, writeErr, errors.ErrAlreadyStopped)
	assert.Error(t, buf.Write(3))
}

func TestCircularBuffer_ReadWithContext(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = buf.Write(7)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, err := buf.ReadWithContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, item)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = buf.ReadWithContext(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, buf.Write(8))
	require.NoError(t, buf.Close())

	item, err = buf.ReadWithContext(context.Background())
	require.NoError(t, err, "closed buffers drain before reporting closure")
	assert.Equal(t, 8, item)

	_, err = buf.ReadWithContext(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestCircularBuffer_ReadySignal(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer buf.Close()

	select {
	case <-buf.Ready():
		t.Fatal("no signal before the first write")
	default:
	}

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	select {
	case <-buf.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
}

func TestCircularBuffer_ClearCountsDrops(t *testing.T) {
	var cleared int
	buf, err := NewCircularBuffer[int](5, WithDropCallback[int](func(int) { cleared++ }))
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, cleared)
	assert.Equal(t, int64(3), buf.Stats().Drops())
	assert.Equal(t, int64(3), buf.Stats().MaxSize())
}

func TestCircularBuffer_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "network_leg"))
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	_, err = NewCircularBuffer[int](2, WithMetrics[int](registry, "network_leg"))
	assert.Error(t, err, "a second buffer with the same label conflicts")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var drops float64
	for _, mf := range families {
		if mf.GetName() == "metricrelay_buffer_drops_total" {
			drops = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, drops)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"drop-oldest", DropOldest, false},
		{"Block", Block, false},
		{"drop_newest", DropNewest, false},
		{"sometimes", DropOldest, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, must(ParsePolicy(got.String())))
		})
	}
}

func must(p OverflowPolicy, err error) OverflowPolicy {
	if err != nil {
		panic(err)
	}
	return p
}
