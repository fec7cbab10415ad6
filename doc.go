// Package rtnm collects model-driven telemetry from network devices and
// indexes it into Elasticsearch.
//
// # Architecture
//
// One worker per configured device drives a connect/subscribe/reconnect
// cycle; all workers feed a shared queue consumed by the storage sink:
//
//	┌──────────┐   ┌──────────┐        ┌──────────┐
//	│ Worker 1 │   │ Worker 2 │  ...   │ Worker N │   one per device
//	│ (dial-in)│   │  (gNMI)  │        │          │
//	└────┬─────┘   └────┬─────┘        └────┬─────┘
//	     │              │                   │
//	     └──────────────┼───────────────────┘
//	                    ↓
//	            envelope.Queue               non-blocking, drop-oldest
//	                    ↓
//	            elastic.Sink                 decode, create index, upload
//	                    ↓
//	            Elasticsearch
//
// Workers are fully isolated: one device failing, flapping or
// misbehaving never affects another worker's stream or its queued
// envelopes. A worker reconnects with exponential backoff when the
// device has retry enabled and terminates otherwise.
//
// Two protocols are supported, selected per device:
//
//   - dial-in: the vendor subscription RPC; the device streams
//     pre-configured sensor groups named by subscription id
//   - gNMI: the standard streaming subscription built from sensor
//     paths, sample interval and subscription mode
//
// Both adapters resolve device metadata (software version, and for gNMI
// the hostname) through point lookups before subscribing, and stamp it
// onto every envelope they emit.
//
// # Packages
//
//   - collector: per-device worker, channel construction, retry loop
//   - collector/dialin, collector/gnmi: protocol adapters
//   - resolver: hostname/version point lookups
//   - envelope: normalized record and the shared queue
//   - output/elastic: payload decoding and Elasticsearch upload
//   - config: YAML configuration and validation
//   - metric: Prometheus metrics
//   - errors: classified error handling
//   - pkg/retry, pkg/tlsutil: backoff and TLS helpers
package rtnm
