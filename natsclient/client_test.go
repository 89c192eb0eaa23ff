package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/errors"
)

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testBreaker(trips int, maxWait time.Duration) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(trips, maxWait)
	b.now = clock.now
	return b, clock
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	snap := client.Snapshot()
	assert.Zero(t, snap.Failures)
	assert.Equal(t, time.Second, snap.CoolDown)
	assert.Zero(t, snap.RTT)
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"negative payload", WithMaxPayload(-1)},
		{"zero timeout", WithTimeout(0)},
		{"reconnect below -1", WithReconnect(-2, time.Second)},
		{"zero ping interval", WithPing(0, 2)},
		{"no outstanding pings", WithPing(time.Second, 0)},
		{"zero drain timeout", WithDrainTimeout(0)},
		{"breaker without trips", WithCircuitBreaker(0, time.Minute)},
		{"breaker wait below a second", WithCircuitBreaker(3, time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tt.opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewClient_OptionsReachConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("edge-1"),
		WithPing(15*time.Second, 3),
		WithDrainTimeout(4*time.Second),
		WithReconnect(10, 500*time.Millisecond),
		WithCircuitBreaker(2, 8*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, client.cfg.pingInterval)
	assert.Equal(t, 3, client.cfg.maxPingsOut)
	assert.Equal(t, 4*time.Second, client.cfg.drainTimeout)
	assert.Equal(t, 10, client.cfg.maxReconnects)
	assert.Equal(t, 2, client.breaker.threshold)
	assert.Equal(t, 8*time.Second, client.breaker.maxCoolDown)
	assert.Len(t, client.natsOptions(), 11)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
		{ConnectionStatus(-1), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, clock := testBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		opened, _ := b.failure()
		assert.False(t, opened)
		assert.True(t, b.allow())
	}
	opened, coolDown := b.failure()
	assert.True(t, opened)
	assert.Equal(t, time.Second, coolDown)
	assert.False(t, b.allow())

	clock.advance(999 * time.Millisecond)
	assert.False(t, b.allow())
	clock.advance(time.Millisecond)
	assert.True(t, b.allow(), "half-open after the cool-down")

	st := b.state()
	assert.Equal(t, 3, st.failures)
	assert.Equal(t, 2*time.Second, st.coolDown)
	assert.False(t, st.open)
}

func TestBreaker_HalfOpenFailureReopensWithLongerCoolDown(t *testing.T) {
	b, clock := testBreaker(2, 5*time.Second)

	var waits []time.Duration
	for i := 0; i < 5; i++ {
		opened, coolDown := b.failure()
		if opened {
			waits = append(waits, coolDown)
			clock.advance(coolDown)
		}
	}
	// The first trip needs two failures, every half-open failure trips again.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, waits)
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := testBreaker(1, time.Minute)
	b.failure()
	require.False(t, b.allow())

	b.success()
	assert.True(t, b.allow())
	st := b.state()
	assert.Zero(t, st.failures)
	assert.True(t, st.lastFailure.IsZero())
	assert.Equal(t, time.Second, st.coolDown)

	opened, _ := b.failure()
	assert.True(t, opened, "a closed breaker counts from zero again")
}

func TestClient_CircuitOpenRefusesConnect(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond), WithReconnect(0, 0), WithCircuitBreaker(1, time.Minute))
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusCircuitOpen, client.Status())

	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
	snap := client.Snapshot()
	assert.Equal(t, 1, snap.Failures, "refused attempts are not failures")
	assert.False(t, snap.LastFailure.IsZero())
	assert.Equal(t, 2*time.Second, snap.CoolDown)
}

func TestClient_ConnectCancelled(t *testing.T) {
	client, err := NewClient("nats://10.255.255.1:4222", WithTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, 1, client.Snapshot().Failures)
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "metrics.x", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Flush(ctx), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "metrics.>", func(context.Context, []byte) {}), ErrNotConnected)
}

func TestClient_MaxPayloadWithoutConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxPayload(4096))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), client.MaxPayload())
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("u", "p"), WithToken("t"))
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.cfg.password)
	assert.Empty(t, client.cfg.token)
}
