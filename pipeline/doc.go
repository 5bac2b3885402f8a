// Package pipeline drives multi-step workflows across agents using
// correlation ids.
//
// An Orchestrator is itself an agent. A request with request_type
// "run_pipeline" and params.workflow naming a registered Workflow starts a
// run keyed by the request's id. Each step is a request to a specialist
// agent carrying that id as its correlation id. The specialist's response
// is matched by its correlation id, which is either the run id or the id of
// the step request it answers, and either advances the run or ends it.
//
//	Started -> step 1 pending -> step 2 pending -> ... -> completed | failed
//
// Every run ends exactly once. On success the caller receives a response
// carrying the accumulated data of all steps; on a failed step or a step
// timeout it receives a single error reply and later steps are never
// contacted. Responses that arrive after a run ended are ignored.
//
// Runs live only in memory. Stopping the orchestrator fails whatever is
// still in flight.
package pipeline
