// Package monitor implements the acquisition orchestrator for the Plant Monitoring Container.
//
// A Monitor owns one cycle goroutine that polls every available sensor,
// evaluates the batch, and broadcasts the resulting report to subscribers.
// It exposes start, stop and emergency shutdown plus a status snapshot.
//
// Lifecycle:
//
//	Stopped -> Initializing -> Running -> Stopping -> Stopped
//	                              \-> EmergencyShutdown -> Stopped
//
// Lock order: lifecycleMu before mu. Neither is held across device or
// subscriber I/O.
package monitor
