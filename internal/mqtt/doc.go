// Package mqtt publishes an audit trail of confirmation gate activity
// to an MQTT broker. Every requested, approved, denied or stale action
// seen on the event bus becomes one JSON message under
// <topic_prefix>/audit/<kind>, so downstream systems can record who
// approved what without polling newsdesk.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained "online" birth message to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects. Audit messages produced while the broker is
// unreachable are logged and dropped.
package mqtt
