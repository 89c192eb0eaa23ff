//go:build integration

package natsclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	assert.True(t, tc.Client.IsHealthy())
	snap := tc.Client.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Greater(t, snap.RTT, time.Duration(0))

	var received atomic.Int32
	require.NoError(t, tc.Client.Subscribe(ctx, "metrics.>", func(_ context.Context, data []byte) {
		if string(data) == "hello" {
			received.Add(1)
		}
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, tc.Client.Publish(ctx, "metrics.hw.temp", []byte("hello")))
	}
	require.NoError(t, tc.Client.Flush(ctx))

	require.Eventually(t, func() bool { return received.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_ServerMaxPayload(t *testing.T) {
	tc := NewTestClient(t, WithServerMaxPayload(2048))
	assert.Equal(t, int64(2048), tc.Client.MaxPayload())
}

func TestIntegration_HealthCallbackOnClose(t *testing.T) {
	tc := NewTestClient(t)

	changes := make(chan bool, 4)
	tc.Client.OnHealthChange(func(healthy bool) { changes <- healthy })
	require.NoError(t, tc.Client.Close(context.Background()))

	select {
	case healthy := <-changes:
		assert.False(t, healthy)
	case <-time.After(5 * time.Second):
		t.Fatal("no health change after close")
	}
	assert.Equal(t, StatusDisconnected, tc.Client.Status())
}
