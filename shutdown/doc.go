// Package shutdown tears an agentbus process down in ordered phases.
//
// Lower phases run first; handlers in the same phase run concurrently and
// the next phase starts when all of them return. The process wiring uses
//
//	PhaseLiveness (10)  heartbeat broadcaster and liveness monitor
//	PhaseAgents   (50)  registry ShutdownAll: every agent drains its
//	                    in-flight handler and unsubscribes
//	PhaseTransport (90) audit tap, bus, registry, tracer provider
//
// so no heartbeat can mark an agent disconnected while it is stopping, and
// the bus outlives every agent that may still publish a reply.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGTERM, SIGINT
//	coord.RegisterFuncWithPhase("heartbeat", broadcaster.Stop, shutdown.PhaseLiveness)
//	coord.RegisterFuncWithPhase("agents", stopAgents, shutdown.PhaseAgents)
//	<-coord.Done()
package shutdown
