// Package audit mirrors bus traffic to external observers.
//
// A Tap observes every message the bus accepts for routing, encodes its
// map form (message.ToMap) and hands it to a Sink. Encoding happens off the
// publish path: the observer only enqueues, and a full queue drops the
// record rather than slowing delivery.
//
// Sinks:
//
//   - LogSink writes one log line per message
//   - NATSSink publishes to <prefix>.<type> on a NATS server
//   - MultiSink fans out to several sinks
//
// Records are encoded as JSON or as deterministic CBOR. Decode reverses
// either encoding back into an equal message.
package audit
