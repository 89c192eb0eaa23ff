package sink

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/sample"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu         sync.Mutex
	healthy    bool
	maxPayload int64
	err        error
	messages   []published
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) IsHealthy() bool   { return f.healthy }
func (f *fakePublisher) MaxPayload() int64 { return f.maxPayload }

func mixedBatch() sample.SampleBatch {
	return sample.NewBatch(
		sample.MetricSample{SourceID: "hw", MetricID: "temp", Sequence: 1, Value: sample.Scalar(1)},
		sample.MetricSample{SourceID: "sim.1", MetricID: "load", Sequence: 1, Value: sample.Scalar(2)},
		sample.MetricSample{SourceID: "hw", MetricID: "fan", Sequence: 2, Value: sample.Scalar(3)},
		sample.MetricSample{SourceID: "sim.1", MetricID: "load", Sequence: 2, Value: sample.Vector([]float64{4, 5})},
	)
}

func TestPubSub_GroupsBySubject(t *testing.T) {
	tests := []struct {
		name     string
		template string
		subjects []string
		counts   []int
	}{
		{"default per source", "", []string{"metrics.hw", "metrics.sim_1"}, []int{2, 2}},
		{"per metric", "m.{{.Source}}.{{.Metric}}", []string{"m.hw.temp", "m.sim_1.load", "m.hw.fan"}, []int{1, 2, 1}},
		{"single subject", "metrics.all", []string{"metrics.all"}, []int{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{healthy: true, maxPayload: 1 << 20}
			s, err := NewPubSub("bus", PubSubConfig{Subject: tt.template}, pub)
			require.NoError(t, err)

			require.NoError(t, s.Deliver(context.Background(), mixedBatch()))
			require.Len(t, pub.messages, len(tt.subjects))
			for i, msg := range pub.messages {
				assert.Equal(t, tt.subjects[i], msg.subject)

				var doc xmlBatch
				require.NoError(t, xml.Unmarshal(msg.data, &doc))
				assert.Len(t, doc.Samples, tt.counts[i])
			}
		})
	}
}

func TestPubSub_Failures(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		pub := &fakePublisher{healthy: false}
		s, err := NewPubSub("bus", PubSubConfig{}, pub)
		require.NoError(t, err)

		err = s.Deliver(context.Background(), mixedBatch())
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.ErrorIs(t, err, natsclient.ErrNotConnected)
	})

	t.Run("payload too large", func(t *testing.T) {
		pub := &fakePublisher{healthy: true, maxPayload: 64}
		s, err := NewPubSub("bus", PubSubConfig{}, pub)
		require.NoError(t, err)

		err = s.Deliver(context.Background(), mixedBatch())
		require.Error(t, err)
		assert.False(t, IsRetryable(err))
		assert.Empty(t, pub.messages)
	})

	t.Run("publish error", func(t *testing.T) {
		pub := &fakePublisher{healthy: true, err: errors.New("nats: connection closed")}
		s, err := NewPubSub("bus", PubSubConfig{}, pub)
		require.NoError(t, err)

		err = s.Deliver(context.Background(), mixedBatch())
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	})
}

func TestNewPubSub_InvalidTemplate(t *testing.T) {
	pub := &fakePublisher{healthy: true}

	_, err := NewPubSub("bus", PubSubConfig{Subject: "metrics.{{.Source"}, pub)
	assert.Error(t, err)

	_, err = NewPubSub("bus", PubSubConfig{Subject: "metrics.{{.Host}}"}, pub)
	assert.Error(t, err)

	_, err = NewPubSub("bus", PubSubConfig{Subject: "{{if false}}x{{end}}"}, pub)
	assert.Error(t, err)

	_, err = NewPubSub("bus", PubSubConfig{}, nil)
	assert.Error(t, err)
}

func TestMarshalXML(t *testing.T) {
	data, err := MarshalXML([]sample.MetricSample{{
		SourceID: "hw", MetricID: "vib", Sequence: 3,
		Timestamp: sample.Timestamp{Mono: 10, Wall: 20},
		Value:     sample.Vector([]float64{1.5, -2}),
		Unit:      sample.UnitAcceleration,
	}})
	require.NoError(t, err)

	want := xml.Header + `<sample-batch><sample source="hw" metric="vib" seq="3" ts="20" mono="10" unit="m/s²"><v>1.5</v><v>-2</v></sample></sample-batch>`
	assert.Equal(t, want, string(data))
}
