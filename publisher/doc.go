// Package publisher streams cluster topology events to external systems.
//
// Membership changes seen by the node directory and configurations
// committed or adopted by the reconfiguration manager are appended to a
// Pebble-backed event log. One worker per sink reads the log from its own
// cursor, filters events by type with glob patterns and publishes them with
// retry, so delivery is at least once and survives restarts.
//
// Key layout:
//
//	/events/{seq:8 bytes BE}  -> msgpack(Event)
//	/cursor/{sink}            -> uint64 (last delivered seq)
//	/seq                      -> uint64 (last assigned seq)
//
// Event types:
//
//	node.joined
//	node.state.alive | node.state.suspect | node.state.dead
//	node.updated
//	node.removed
//	config.committed
//	config.adopted
package publisher
