// Package services provides shared error classification and context
// annotations used across pipeline phases and external service clients.
package services
