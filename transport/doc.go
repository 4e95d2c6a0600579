// Package transport owns the physical connections of the messenger: the
// mesh radio link (serial or TCP) and the MQTT clients (user session and
// update notifications).
//
// Each adapter owns exactly one connection at a time, normalizes whatever
// its library delivers into typed Events, and pushes them into the sink the
// session controller provided at construction. Adapters never mutate
// session state and never panic across the event boundary; every failure is
// either an error return or a Lost event with a human-readable reason.
//
// Events from superseded connection instances are discarded inside the
// adapter: each connect attempt gets a new generation number and late
// callbacks from an older generation never reach the sink.
package transport
