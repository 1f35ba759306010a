// ABOUTME: Package documentation for the connection registry
// ABOUTME: Notes the ephemeral nature and the failure-pruning broadcast model

// Package registry tracks live client connections and fans messages out to
// them, per tenant and per session.
//
// The registry is purely in-memory: connections do not survive a restart and
// clients are expected to reconnect and resubscribe. Broadcasts are
// self-healing — a subscriber whose send fails or times out is pruned on the
// spot so one dead client never wedges delivery to the others.
package registry
