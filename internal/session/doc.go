// ABOUTME: Package documentation for the session lifecycle manager
// ABOUTME: Describes the status machine and the create-or-get contract

// Package session manages the lifecycle of support sessions.
//
// A session moves through WAITING, ACTIVE, TRANSFERRED, and the terminal
// states CLOSED and TIMEOUT according to a fixed transition table. The
// create-or-get operation is idempotent per (tenant, user, platform): at most
// one non-terminal session exists at a time, enforced by the store and
// resolved here when concurrent creates collide.
package session
