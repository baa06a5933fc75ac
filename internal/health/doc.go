// Package health holds the liveness and readiness probes of the exchange
// and the handlers that serve them on /-/healthy and /-/ready.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as
// soon as draining starts, before the listeners close.
package health
