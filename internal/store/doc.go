// ABOUTME: Package documentation for the persistence layer
// ABOUTME: Explains the tenant-scoping contract and schema ownership

// Package store provides SQLite-backed persistence for sessions and messages.
//
// Every read and write is scoped by tenant: a row belonging to another tenant
// is indistinguishable from a missing row, and both surface as ErrNotFound.
// The store owns its schema, including the partial unique index that enforces
// at most one non-terminal session per (tenant, user, platform).
//
// Services consume the store through narrow interfaces they declare
// themselves; this package only exports the concrete SQLiteStore.
package store
