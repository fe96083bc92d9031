// Package auth implements bearer token authentication for the Plant Monitoring Container.
//
// Tokens are JWTs (HS256 or RS256) carrying a subject, roles and scopes.
// The same verifier backs the HTTP status surface and the AUTH handshake of
// distribution subscribers.
//
//   - viewer: read status, subscribe to telemetry (scopes read, telemetry)
//   - operator: viewer privileges plus control actions such as EMERGENCY (scope control)
package auth
