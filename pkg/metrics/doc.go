// Package metrics defines Prometheus metrics for the audit pipeline, covering
// routing outcomes, the startup queue, message filtering, signing and
// verification, property transitions, internal storage, and external sinks.
package metrics
