// Package api exposes the daemon's operations as typed calls: fake key
// actions, layer changes, status, layer listing, and config reload.
//
// Every call runs under the connection manager's recovery wrapper, so a
// retryable failure closes the connection and the next call starts from
// a clean state. Commands unsupported by older daemon versions fail
// with connection.ErrCapabilityMissing rather than a generic error.
package api
