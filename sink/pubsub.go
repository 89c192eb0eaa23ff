package sink

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/c360/metricrelay/natsclient"
	"github.com/c360/metricrelay/sample"
)

// DefaultSubjectTemplate publishes per source.
const DefaultSubjectTemplate = "metrics.{{.Source}}"

// PubSubConfig configures the publish/subscribe notifier.
type PubSubConfig struct {
	// Subject is a text/template over {{.Source}} and {{.Metric}}.
	Subject string
}

// Publisher is the part of the NATS client the pubsub sink uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsHealthy() bool
	MaxPayload() int64
}

var _ Publisher = (*natsclient.Client)(nil)

// PubSub publishes XML sample batches, one message per rendered subject.
type PubSub struct {
	name    string
	subject *template.Template
	pub     Publisher
}

// NewPubSub creates a pubsub sink publishing through pub.
func NewPubSub(name string, cfg PubSubConfig, pub Publisher) (*PubSub, error) {
	if pub == nil {
		return nil, fmt.Errorf("pubsub sink requires a publisher")
	}
	text := cfg.Subject
	if text == "" {
		text = DefaultSubjectTemplate
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	p := &PubSub{name: name, subject: tmpl, pub: pub}
	if _, err := p.render(subjectKey{Source: "probe", Metric: "probe"}); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements Sink
func (p *PubSub) Name() string { return p.name }

type subjectKey struct {
	Source string
	Metric string
}

func (p *PubSub) render(k subjectKey) (string, error) {
	var b strings.Builder
	data := subjectKey{Source: subjectToken(k.Source), Metric: subjectToken(k.Metric)}
	if err := p.subject.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render subject: %w", err)
	}
	subject := b.String()
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return "", fmt.Errorf("invalid subject %q", subject)
	}
	return subject, nil
}

// subjectToken keeps identifiers inside one subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Deliver implements Sink
func (p *PubSub) Deliver(ctx context.Context, batch sample.SampleBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	if !p.pub.IsHealthy() {
		return Retryable(natsclient.ErrNotConnected)
	}

	groups, err := p.group(batch)
	if err != nil {
		return Fatal(err)
	}
	limit := p.pub.MaxPayload()
	for _, g := range groups {
		payload, err := MarshalXML(g.samples)
		if err != nil {
			return Fatal(err)
		}
		if limit > 0 && int64(len(payload)) > limit {
			return Fatal(fmt.Errorf("payload of %d bytes for %s exceeds limit %d", len(payload), g.subject, limit))
		}
		if err := p.pub.Publish(ctx, g.subject, payload); err != nil {
			return Retryable(fmt.Errorf("publish %s: %w", g.subject, err))
		}
	}
	return nil
}

type subjectGroup struct {
	subject string
	samples []sample.MetricSample
}

// group splits the batch by rendered subject, keeping first-seen order.
func (p *PubSub) group(batch sample.SampleBatch) ([]subjectGroup, error) {
	subjects := make(map[subjectKey]string)
	index := make(map[string]int)
	var groups []subjectGroup

	for _, s := range batch.Samples {
		k := subjectKey{Source: s.SourceID, Metric: s.MetricID}
		subject, ok := subjects[k]
		if !ok {
			var err error
			if subject, err = p.render(k); err != nil {
				return nil, err
			}
			subjects[k] = subject
		}
		i, ok := index[subject]
		if !ok {
			i = len(groups)
			index[subject] = i
			groups = append(groups, subjectGroup{subject: subject})
		}
		groups[i].samples = append(groups[i].samples, s)
	}
	return groups, nil
}

// Close implements Sink. The NATS connection is owned by the caller.
func (p *PubSub) Close() error { return nil }

type xmlBatch struct {
	XMLName xml.Name    `xml:"sample-batch"`
	Samples []xmlSample `xml:"sample"`
}

type xmlSample struct {
	Source string   `xml:"source,attr"`
	Metric string   `xml:"metric,attr"`
	Seq    uint64   `xml:"seq,attr"`
	TS     int64    `xml:"ts,attr"`
	Mono   int64    `xml:"mono,attr"`
	Unit   string   `xml:"unit,attr,omitempty"`
	Values []string `xml:"v"`
}

// MarshalXML renders samples as a <sample-batch> document.
func MarshalXML(samples []sample.MetricSample) ([]byte, error) {
	doc := xmlBatch{Samples: make([]xmlSample, len(samples))}
	for i, s := range samples {
		values := s.Value.Components()
		xs := xmlSample{
			Source: s.SourceID,
			Metric: s.MetricID,
			Seq:    s.Sequence,
			TS:     s.Timestamp.Wall,
			Mono:   s.Timestamp.Mono,
			Unit:   string(s.Unit),
			Values: make([]string, len(values)),
		}
		for j, f := range values {
			xs.Values[j] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		doc.Samples[i] = xs
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode sample batch: %w", err)
	}
	return buf.Bytes(), nil
}
