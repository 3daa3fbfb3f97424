// Package integration runs the quota, conversation and usage stores against
// real PostgreSQL, MongoDB and Redis instances started with testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
