// Package api implements the admin HTTP API of the audit service (Gin-based):
// health and readiness probes, audit property management, record lookup and
// signature verification, signed export download, sink health and replay, and
// Prometheus metrics.
package api
