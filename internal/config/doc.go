// Package config implements configuration loading for the Plant Monitoring Container.
//
// Configuration is layered: built-in defaults, then an optional YAML file, then
// PMC_* environment variables, then validation. TimingConfig carries every
// interval and timeout used by acquisition, distribution and shutdown.
package config
