// Package config loads agentbus configuration from TOML or YAML.
//
// Load starts from Default and overlays the file, so a file only needs the
// keys it changes. Durations are strings in time.ParseDuration form:
//
//	[heartbeat]
//	interval = "5s"
//	idle_after = "15s"
//	disconnect_after = "30s"
//
//	[[pipeline.workflows]]
//	name = "analytics"
//
//	  [[pipeline.workflows.steps]]
//	  name = "collect"
//	  agent = "collector"
//	  request_type = "collect_data"
//	  timeout = "10s"
package config
