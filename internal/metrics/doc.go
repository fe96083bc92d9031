// Package metrics implements the Prometheus collectors of the Plant Monitoring Container.
//
// All collectors live in a private registry exposed through Handler, so
// tests can build independent instances.
package metrics
