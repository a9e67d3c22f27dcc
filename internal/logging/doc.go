// Package logging wraps log/slog construction and the structured attribute
// conventions shared by the pipeline, store, and CLI.
package logging
