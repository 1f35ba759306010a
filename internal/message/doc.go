// ABOUTME: Package documentation for the message service
// ABOUTME: Describes the append-only log and its delivery-status rules

// Package message is the append-only message log of the platform.
//
// Messages are immutable once stored except for their delivery status, which
// only moves forward: sent, delivered, read. Ingest is the webhook-facing
// entry point that resolves the sender's active session before appending.
// Every stored message is handed to an optional Notifier for live fan-out.
package message
