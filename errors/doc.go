// Package errors provides the structured error taxonomy shared by the bus,
// the agent runtime, the registry and pipelines.
//
// # Error Codes
//
//   - UNKNOWN_RECIPIENT: publish to an id with no mailbox (returned from Publish)
//   - HANDLER_FAILURE: a handler returned an error or panicked (turned into an Error reply)
//   - EXPIRED: a message was dropped before delivery
//   - REGISTRATION_CONFLICT: duplicate agent id without replace intent
//   - PIPELINE_TIMEOUT: no correlated response within the step bound
//   - PIPELINE_STEP_FAILED: a specialist answered with a failure
//
// # Usage
//
//	err := bus.Publish(ctx, msg)
//	if errors.Is(err, errors.ErrCodeUnknownRecipient) {
//	    // recipient is gone
//	}
//
// Errors marshal to JSON so they can travel inside an Error reply payload.
package errors
