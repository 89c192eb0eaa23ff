// Package metricrelay moves metric measurements from the machines that take
// them to the systems that keep them.
//
// A node polls its sources, runs the samples through a transform pipeline,
// and hands the results to two kinds of consumers: a relay link towards
// another node, and local sinks (time-series database, pub/sub, archive
// file, live websocket feed). Any node can also listen for relay links, so
// edge nodes, forwarders and collectors all run the same binary with a
// different configuration.
//
// # Architecture
//
//	 sources ──► ingress queues ──► merger ──► transform pipeline
//	(sim, hwmon,  (one per source,   (round-    (detrend, spectral,
//	 replay)       sequence check)   robin)      window, filters)
//	                                                   │
//	                                                fan-out
//	                                   ┌───────────────┴──────────────┐
//	                              network leg                     sinks leg
//	                                   │                              │
//	                             relay.Sender ══TCP/TLS══►    sink.Dispatcher
//	                                                  relay.Listener  │
//	                                                  (on the peer)   ▼
//	                                                      tsdb, pubsub, archive, websocket
//
// Every arrow is a bounded queue with an explicit overflow policy: the
// network leg drops its oldest samples while the link is down, the sinks leg
// blocks so that local delivery applies backpressure to the pipeline.
//
// # Delivery
//
// A relay link is at-least-once on the wire and exactly-once at the
// receiver: the sender keeps unacknowledged batches in a resend ring and
// replays them after a reconnect, the listener resumes the session from the
// last frame it processed and discards samples it has already delivered.
//
// # Packages
//
//	sample      samples, timestamps, units, batches
//	codec       binary batch encoding
//	transform   the transform pipeline and its stages
//	plumbing    ingress queues, merger, fan-out legs
//	relay       frames, Sender and Listener
//	sink        sink variants and the dispatcher
//	source      source variants and their runner
//	config      configuration loading and validation
//	engine      wiring and lifecycle
//	cmd/metricrelay  the command line
//
// Support packages: errors (classified errors), metric (Prometheus
// registry), health (status monitor), natsclient (NATS connection),
// pkg/buffer, pkg/retry and pkg/tlsutil.
package metricrelay
