// Package distribution implements the subscriber side of the Plant Monitoring
// Container: a TCP server that authenticates subscribers, tracks their liveness
// and broadcasts processed telemetry to every active one.
//
// Wire protocol (newline-delimited UTF-8):
//
//	client -> AUTH <token>          first line, within the auth grace period
//	server -> OK <subscriberId>     or ERR <reason> followed by close
//	client -> PING                  answered with PONG
//	client -> <anything else>       application data, forwarded to the data handler
//	server -> HEARTBEAT <rfc3339>   on every liveness sweep
//	server -> <payload>             broadcast data, verbatim
//
// LOCK ORDERING:
// 1. Server.lifecycleMu - Start/Stop
// 2. Server.mu - roster
// 3. transport write lock - one write at a time per subscriber
//
// No roster lock is held while writing to a subscriber.
package distribution
