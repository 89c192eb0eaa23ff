package sink

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricrelay/sample"
)

func TestAppendLineProtocol(t *testing.T) {
	batch := sample.NewBatch(
		sample.MetricSample{
			SourceID: "hw", MetricID: "cpu temp", Sequence: 7,
			Timestamp: sample.Timestamp{Wall: 1000}, Value: sample.Scalar(21.5), Unit: sample.UnitCelsius,
		},
		sample.MetricSample{
			SourceID: "hw/spec,1", MetricID: "vib_spectral", Sequence: 0,
			Timestamp: sample.Timestamp{Wall: 2000}, Value: sample.Vector([]float64{50, math.NaN(), 0.25}),
		},
		sample.MetricSample{
			SourceID: "hw", MetricID: "broken", Sequence: 1,
			Timestamp: sample.Timestamp{Wall: 3000}, Value: sample.Scalar(math.Inf(1)),
		},
	)

	want := "cpu\\ temp,source=hw,unit=°C value=21.5,seq=7u 1000\n" +
		"vib_spectral,source=hw/spec\\,1 v0=50,v2=0.25,seq=0u 2000\n"
	assert.Equal(t, want, string(AppendLineProtocol(nil, batch)))
}

func TestTSDBEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TSDBConfig
		want    string
		wantErr bool
	}{
		{"database", TSDBConfig{URL: "http://influx:8086", Database: "metrics"}, "http://influx:8086/write?db=metrics&precision=ns", false},
		{"trailing slash", TSDBConfig{URL: "http://influx:8086/", Database: "m"}, "http://influx:8086/write?db=m&precision=ns", false},
		{"full url", TSDBConfig{URL: "https://tsdb/api/v2/write?bucket=b"}, "https://tsdb/api/v2/write?bucket=b", false},
		{"missing", TSDBConfig{}, "", true},
		{"bad scheme", TSDBConfig{URL: "ftp://x"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tsdbEndpoint(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTSDB_Deliver(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{"ok", http.StatusNoContent, false, false},
		{"server error", http.StatusInternalServerError, true, true},
		{"unavailable", http.StatusServiceUnavailable, true, true},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"bad request", http.StatusBadRequest, true, false},
		{"unauthorized", http.StatusUnauthorized, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body, query, auth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				query = r.URL.RawQuery
				auth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, err := NewTSDB("influx", TSDBConfig{
				URL: srv.URL, Database: "metrics",
				Headers: map[string]string{"Authorization": "Token abc"},
			})
			require.NoError(t, err)

			err = s.Deliver(context.Background(), testBatch("hw", 1, 2))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.retryable, IsRetryable(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, "db=metrics&precision=ns", query)
			assert.Equal(t, "Token abc", auth)
			assert.Contains(t, body, "temp,source=hw,unit=°C value=21,seq=1u ")
		})
	}
}

func TestTSDB_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewTSDB("influx", TSDBConfig{URL: url, Database: "m"})
	require.NoError(t, err)

	err = s.Deliver(context.Background(), testBatch("hw", 1))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestTSDB_EmptyBatch(t *testing.T) {
	s, err := NewTSDB("influx", TSDBConfig{URL: "http://127.0.0.1:1", Database: "m"})
	require.NoError(t, err)
	assert.NoError(t, s.Deliver(context.Background(), sample.SampleBatch{}))
}
