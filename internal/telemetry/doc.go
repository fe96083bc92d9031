// Package telemetry turns raw field readings into processed batches for the
// Plant Monitoring Container.
//
// A Processor filters implausible readings, averages each measurement category,
// and compares the latest accepted value of every category against the configured
// safety thresholds. The resulting ProcessedBatch is what one acquisition cycle
// hands to distribution; EncodeReport renders it as the block-delimited text
// payload sent to subscribers.
package telemetry
