// Package config loads and validates the metricrelay configuration.
//
// A configuration is built once at startup from one or more files (YAML or
// JSON) and passed down explicitly. Later layers override earlier ones key by
// key, and a small set of top-level scalars can be overridden from the
// environment:
//
//	METRICRELAY_NODE_ID
//	METRICRELAY_LOG_LEVEL
//	METRICRELAY_LOG_FORMAT
//	METRICRELAY_HTTP_ADDR
//	METRICRELAY_RELAY_TARGET
//	METRICRELAY_RELAY_LISTEN
//	METRICRELAY_NATS_URL
//
// Loading validates in two steps: the merged document is checked against the
// embedded JSON Schema, then Config.Validate applies the semantic rules that a
// schema cannot express (unique ids, transform parameter bounds, backoff
// ordering).
//
// Example:
//
//	node_id: edge-1
//	sources:
//	  - id: board
//	    kind: hwmon
//	    interval: 1s
//	    hwmon: {chip: coretemp, sensors: [{index: 1, metric: cpu_temp}]}
//	transform:
//	  passthrough: true
//	  chains:
//	    - name: trend
//	      stages: [{kind: detrend, mode: linear, window: 32}]
//	relay:
//	  target: collector:7070
//	sinks:
//	  - name: local
//	    kind: archive
//	    archive: {path: /var/lib/metricrelay/archive.jsonl}
package config
