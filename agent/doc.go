// Package agent runs an agent's consume loop on top of a bus mailbox.
//
// # Overview
//
// A Runtime owns exactly one mailbox. Its loop dequeues one message at a
// time and dispatches it to a HandlerFunc looked up by message type; for
// requests and commands a second lookup by the payload's request_type runs
// first. When the message owes a response the runtime publishes the reply
// itself, so handlers only return a payload or an error.
//
// # Lifecycle
//
//	Inactive -> Initializing -> Active <-> Maintenance
//	                \-> Error
//	Active/Maintenance/Error -> Inactive   (Shutdown)
//
// Initialize on an Active runtime is a no-op. Shutdown lets the in-flight
// handler finish, then unsubscribes the mailbox.
//
// # Handler failures
//
// A handler error or panic never stops the loop. The sender receives an
// Error reply when one is owed. After Config.FailureThreshold consecutive
// failures the runtime reports StatusError to the registry while its own
// state stays Active.
//
// # Degraded modes
//
// At Initialize the runtime runs its dependency probes and settles on one
// rung of the Normal, Fallback, Minimal ladder. The rung is reported as
// registry metadata and exposed to handlers through ModeFromContext; Ladder
// builds one HandlerFunc from three implementations of the same contract.
package agent
