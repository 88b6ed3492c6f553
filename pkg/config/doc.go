// Package config loads ntsync configuration.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// NTSYNC_* environment variables. Command-line flags are applied last by
// the caller. Durations use Go syntax ("500ms", "3s").
//
// Example file:
//
//	robot:
//	  team: 1690
//	  connect_on_start: true
//	reconnect:
//	  enabled: true
//	bridge:
//	  network: unix
//	  address: /run/ntsync.sock
//	web:
//	  enabled: true
//	  listen: 127.0.0.1:5811
//	  advertise: true
//	logging:
//	  level: debug
//	  protocol_log: /var/log/ntsync.cap
package config
