// Package auth verifies bearer tokens and enforces read, control and
// telemetry scopes on the HTTP API.
//
// Tokens are JWTs signed with RS256 (static PEM key or JWKS) or HS256.
// The verified subject is placed in the request context for the audit log.
package auth
