// Package mesosched implements the client-side session that keeps a Mesos
// framework scheduler subscribed to a master's HTTP Scheduler API.
//
// The package owns the subscribe state machine: it drives a streaming HTTP
// POST through its response lifecycle, watches a heartbeat timer for silent
// masters, fails over across a list of candidate masters on redirect or
// "no leader", and resubscribes with a known framework id once one has been
// assigned. It does not manage offers or task state beyond handing decoded
// events to the caller's Scheduler implementation.
package mesosched
