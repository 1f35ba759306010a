// ABOUTME: Package documentation for the HTTP and WebSocket boundary
// ABOUTME: Notes the error translation and tenant resolution contracts

// Package gateway exposes the platform over REST and WebSocket.
//
// This is the only package that translates service errors into HTTP status
// codes, and the only one that sees transport concerns at all. Tenant
// identity is resolved once per request through a TenantResolver; the
// default implementation trusts the X-Tenant-ID header and expects a
// fronting proxy to have verified it.
package gateway
