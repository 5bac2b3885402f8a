// Package message defines the envelope exchanged between agents on the bus.
//
// A Message carries sender, recipient, a type from a closed set, a priority
// tier, an opaque payload, an optional correlation id and an optional
// expiry. Ids and creation times are generated by New and never supplied by
// callers.
//
// # Payload Convention
//
// Requests and commands carry {"request_type": ..., "params": {...}};
// responses carry {"status": "completed"|"failed", "message": ...}.
//
//	req := message.MustNew("orchestrator", "analyzer", message.TypeRequest,
//	    message.RequestPayload("analyze", map[string]any{"window": "24h"}))
//	resp := req.Reply(message.Payload{"score": 0.93}, true, nil)
//	// resp.CorrelationID() == req.ID()
//
// # Serialization
//
// ToMap and FromMap round-trip every field, so audit sinks can encode
// messages as JSON or CBOR and reconstruct them later.
package message
