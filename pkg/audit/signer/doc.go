// Package signer computes the canonical digest of audit records and signs and
// verifies them. Two digest algorithms exist, current and legacy, and the
// caller always names the one to use.
package signer
