// Package engine turns a validated configuration into running tasks.
//
// # Overview
//
// New builds every component named by the configuration and Run supervises
// them under one errgroup:
//
//	source runners ──> ingress (per source) ──> merger ──> pipeline runner
//	                                                          │
//	                                         ┌────────────────┴───────────────┐
//	                                         ▼                                ▼
//	                                  network leg                        sinks leg
//	                                         │                                │
//	                                  relay sender ──TCP──> relay listener ──>┤
//	                                                    (on the peer)         ▼
//	                                                                  sink dispatcher
//
// A node can run any subset: an edge node has sources and a relay target, a
// collector has a relay listener and sinks, a standalone node has sources
// and sinks. Batches received by the listener skip the transform pipeline
// and are published on every leg, so a node with both a listener and a
// target forwards what it receives.
//
// # Legs
//
// A leg is only created when something consumes it: the network leg when
// relay.target is set, the sinks leg when at least one sink is configured.
//
// # Shutdown
//
// Cancelling the context passed to Run stops every task. Each task finishes
// its current unit of work (one poll, one sample, one frame, one sink call)
// and returns; the relay sender additionally waits up to its drain timeout
// for outstanding acknowledgements. Run returns after all tasks have exited
// and the queues and the NATS connection are closed.
//
// # Reload
//
// Reload swaps the transform configuration of a running engine. All other
// settings require a restart.
package engine
