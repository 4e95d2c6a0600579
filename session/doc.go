// Package session orchestrates the messenger's sign-on lifecycle across
// both transports.
//
// The controller is the single writer for all session state: transport
// callbacks never mutate anything directly, they enqueue normalized events
// that a single goroutine drains in order. Connection attempts run on their
// own goroutines and report back through the same queue, so the event path
// never blocks on I/O.
//
// A transport failure is only fatal when no other configured transport is
// still connected, and the resulting error dialog fires at most once per
// sign-on attempt. Everything else is a transient status message; there is
// no automatic reconnection, recovery is an explicit new sign-on.
package session
