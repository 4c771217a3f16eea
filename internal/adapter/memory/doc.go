// Package memory provides process-local presence and billing-lease
// implementations for single-instance mode (no REDIS_URL). Entries expire on
// the injected clock exactly like their Redis counterparts.
package memory
