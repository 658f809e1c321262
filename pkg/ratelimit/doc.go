// Package ratelimit provides keyed token-bucket limiters: a Gin middleware
// keyed by client IP for the admin API, and a plain Allow(key) check the audit
// pipeline uses to bound how often it audits its own failures.
package ratelimit
