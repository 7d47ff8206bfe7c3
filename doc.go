// Package omnitak is the client core for Cursor-on-Target (CoT) tactical
// messaging: the situational-awareness protocol TAK servers and ATAK-family
// clients exchange. It maintains sessions against multiple servers at once,
// bridges a constrained mesh radio into the same event stream, and
// federates events between all of them under per-connection sharing
// policies.
//
// # Architecture
//
//	┌────────────────────────────────────┐
//	│       Federation Router            │  dedup cache, sharing
//	│  (ingest, policy, loop protection) │  policies, subscribers
//	└────────────────────────────────────┘
//	          ↑ events        ↓ shares
//	┌────────────────────────────────────┐
//	│     Connection Managers            │  per-endpoint state
//	│  (direct servers + mesh bridge)    │  machine, supervisors
//	└────────────────────────────────────┘
//	          ↑ frames        ↓ frames
//	┌────────────────────────────────────┐
//	│          Transports                │  TCP, TLS, UDP,
//	│   (newline-framed CoT streams)     │  WebSocket
//	└────────────────────────────────────┘
//
// Every inbound event, whatever its origin, funnels into the router's
// Ingest with the id of the connection it arrived on. The router dedups by
// uid and timestamp, applies each peer's receive/send policies, and
// re-shares to the other connections without ever echoing an event back to
// its origin.
//
// # Packages
//
// Protocol:
//   - cot: CoT event model, XML codec, and event builders
//   - mesh: binary chunking protocol for the radio link, with reassembly
//
// Sessions:
//   - transport: dialable endpoint abstraction over TCP/TLS/UDP/WebSocket
//   - connection: per-endpoint lifecycle state machine and reconnect
//     supervisor
//   - federation: multi-server dedup and policy routing
//
// Identity:
//   - identity: on-disk credential store, TLS client config assembly, and
//     certificate enrollment against a TAK CA
//
// Infrastructure:
//   - config: YAML application configuration
//   - metric: Prometheus metrics and exposition server
//   - errors: structured error handling with retry classification
//   - pkg/retry: classification-aware backoff policies
//
// # Binary
//
// cmd/omnitak wires the packages into a reference client:
//
//	omnitak --config configs/omnitak.yaml
//	omnitak --validate --config configs/omnitak.yaml
package omnitak
