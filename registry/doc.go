// Package registry catalogs the agents attached to a bus.
//
// # Overview
//
// Each AgentRecord carries an id (the agent's mailbox address), a display
// name, a Category, a capability set, a Status and the Handle of the running
// instance. The registry answers lookups and listings, aggregates health,
// and drives every registered handle through its lifecycle.
//
// # Registration and replacement
//
// Ids are unique. Registering an id that already exists fails with a
// REGISTRATION_CONFLICT error and leaves the original record untouched:
//
//	reg := registry.NewMemoryRegistry(registry.DefaultConfig())
//	err := reg.Register(registry.AgentRecord{
//	    ID:       "analyzer",
//	    Category: registry.CategoryAnalytics,
//	    Kind:     registry.KindStub,
//	    Handle:   stub,
//	})
//
// A real agent takes over from its stub (or the reverse) only with an
// explicit replace:
//
//	err = reg.Register(realRecord, registry.WithReplace())
//
// # Health
//
// AggregateHealth counts records by status and category. When the share of
// active records drops below Config.DegradedThreshold the registry reports
// itself degraded. Records evicted by the liveness monitor sit in
// StatusDisconnected and do not count as active until reinstated.
//
// # Watch
//
// Watch returns a channel of added, replaced, updated and removed events.
// Slow watchers lose events rather than blocking the registry:
//
//	events, _ := reg.Watch()
//	for ev := range events {
//	    if ev.Type == registry.EventAdded {
//	        monitor.Track(ev.Agent.ID)
//	    }
//	}
package registry
