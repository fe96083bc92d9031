// Package api serves the read-only HTTP surface of the plant monitor.
//
// Routes:
//   - GET /api/v1/health      open; liveness and monitor state
//   - GET /api/v1/status      bearer token with the read scope; full status snapshot
//   - GET /api/v1/thresholds  bearer token with the read scope; thresholds in force
//   - GET /metrics            Prometheus exposition
//
// Every JSON body uses the envelope {result, data | code+message, correlationId};
// the correlation id is taken from X-Correlation-ID when the caller sends one.
// There are no control routes; lifecycle control stays with the process and the
// subscriber EMERGENCY command.
package api
