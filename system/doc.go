// Package system assembles a running agent bus from configuration.
//
// A System owns exactly one of each shared component: the logger, the
// message bus, the registry, the tracer, the pipeline orchestrator and,
// when enabled, the heartbeat broadcaster and monitor and the audit tap.
// Components are handed to agents through AgentConfig instead of package
// globals, so several systems can coexist in one process (tests do this).
//
// Teardown is phased through a shutdown.Coordinator:
//
//	phase 10  heartbeat broadcaster and monitor
//	phase 50  every registered agent (registry ShutdownAll)
//	phase 90  audit tap, registry, bus and trace provider
package system
