// Package config loads, validates, and normalizes the TOML configuration for
// the ingestion pipeline.
package config
