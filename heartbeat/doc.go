// Package heartbeat provides agent liveness detection on the message bus.
//
// # Overview
//
// A Broadcaster publishes a Critical-priority heartbeat to every mailbox at
// a fixed interval. Agent runtimes answer it, so a healthy agent produces
// traffic even when it has no work. A Monitor observes every message routed
// by the bus and records, per registered agent, when it last sent anything.
// Any message counts, not only heartbeat replies.
//
// # Classification
//
//	connected:     silence <  IdleAfter
//	idle:          IdleAfter <= silence < DisconnectAfter
//	disconnected:  silence >= DisconnectAfter
//
// An agent that becomes disconnected is evicted from the registry's active
// set (status disconnected). It stays registered, and the next message it
// sends reinstates it.
//
// # Usage
//
//	broadcaster, _ := heartbeat.NewBroadcaster(heartbeat.BroadcasterConfig{
//	    Bus:      msgBus,
//	    Interval: 5 * time.Second,
//	})
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:             msgBus,
//	    Registry:        reg,
//	    IdleAfter:       15 * time.Second,
//	    DisconnectAfter: 30 * time.Second,
//	})
//	monitor.OnChange(func(id string, from, to heartbeat.Liveness) {
//	    log.Printf("%s: %s -> %s", id, from, to)
//	})
//	broadcaster.Start(ctx)
//	monitor.Start(ctx)
//
// # Recommendations
//
//   - Set IdleAfter to 2-3x the broadcast interval
//   - Handle OnChange callbacks idempotently
package heartbeat
