package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c360/metricrelay/sample"
)

// TSDBConfig configures the time-series database writer.
type TSDBConfig struct {
	// URL is either the server base URL (with Database set) or the complete
	// write endpoint.
	URL      string
	Database string
	Headers  map[string]string
	Timeout  time.Duration
}

// TSDB writes batches as InfluxDB line protocol over HTTP.
type TSDB struct {
	name     string
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewTSDB creates a TSDB sink.
func NewTSDB(name string, cfg TSDBConfig) (*TSDB, error) {
	endpoint, err := tsdbEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	return &TSDB{
		name:     name,
		endpoint: endpoint,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: orDefault(cfg.Timeout, 10*time.Second)},
	}, nil
}

func tsdbEndpoint(cfg TSDBConfig) (string, error) {
	if cfg.URL == "" {
		return "", fmt.Errorf("tsdb url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid tsdb url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("tsdb url must be http or https, got %q", u.Scheme)
	}
	if cfg.Database == "" {
		return u.String(), nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/write"
	q := u.Query()
	q.Set("db", cfg.Database)
	q.Set("precision", "ns")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Name implements Sink
func (t *TSDB) Name() string { return t.name }

// Endpoint returns the write URL.
func (t *TSDB) Endpoint() string { return t.endpoint }

// Deliver implements Sink. Server errors, 429 and transport failures are
// Retryable; any other non-2xx status is Fatal.
func (t *TSDB) Deliver(ctx context.Context, batch sample.SampleBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	body := AppendLineProtocol(nil, batch)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("tsdb write: %w", err))
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Retryable(fmt.Errorf("tsdb write: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return Fatal(fmt.Errorf("tsdb write: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}
}

// Close implements Sink
func (t *TSDB) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// AppendLineProtocol renders one line per sample:
//
//	<metric_id>,source=<source_id>[,unit=<unit>] value=<v>,seq=<n>u <wall_ns>
//
// Vector samples carry fields v0..vN-1 instead of value. Non-finite
// components are left out; a sample without any finite field is skipped.
func AppendLineProtocol(dst []byte, batch sample.SampleBatch) []byte {
	for _, s := range batch.Samples {
		fields := appendFields(nil, s.Value)
		if len(fields) == 0 {
			continue
		}
		dst = appendEscaped(dst, s.MetricID, measurementEscaper)
		dst = append(dst, ",source="...)
		dst = appendEscaped(dst, s.SourceID, tagEscaper)
		if s.Unit != sample.UnitNone {
			dst = append(dst, ",unit="...)
			dst = appendEscaped(dst, string(s.Unit), tagEscaper)
		}
		dst = append(dst, ' ')
		dst = append(dst, fields...)
		dst = append(dst, ",seq="...)
		dst = strconv.AppendUint(dst, s.Sequence, 10)
		dst = append(dst, 'u', ' ')
		dst = strconv.AppendInt(dst, s.Timestamp.Wall, 10)
		dst = append(dst, '\n')
	}
	return dst
}

func appendFields(dst []byte, v sample.Value) []byte {
	if !v.IsVector() {
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return dst
		}
		dst = append(dst, "value="...)
		return strconv.AppendFloat(dst, f, 'g', -1, 64)
	}
	for i := 0; i < v.Len(); i++ {
		f := v.At(i)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if len(dst) > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, 'v')
		dst = strconv.AppendInt(dst, int64(i), 10)
		dst = append(dst, '=')
		dst = strconv.AppendFloat(dst, f, 'g', -1, 64)
	}
	return dst
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
)

func appendEscaped(dst []byte, s string, r *strings.Replacer) []byte {
	return append(dst, r.Replace(s)...)
}
