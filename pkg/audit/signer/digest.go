// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // legacy records were signed over SHA-1 and must stay verifiable
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/telekom/gateway-audit/pkg/audit"
)

// Algorithm selects the digest used for signing and verification. The caller
// always chooses; a record never carries a marker that would allow guessing.
type Algorithm string

const (
	// AlgorithmCurrent is SHA-256 over every signable field including details.
	AlgorithmCurrent Algorithm = "current"
	// AlgorithmLegacy is SHA-1 over the pre-upgrade field set, which did not
	// cover message content or details.
	AlgorithmLegacy Algorithm = "legacy"
)

// ParseAlgorithm converts a flag or config value into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case AlgorithmCurrent, "":
		return AlgorithmCurrent, nil
	case AlgorithmLegacy:
		return AlgorithmLegacy, nil
	}
	return "", fmt.Errorf("unknown digest algorithm %q", s)
}

const (
	fieldSeparator  = ':'
	detailSeparator = "/-/_/-/"
	detailPrefix    = "ADMID:"
)

// ComputeDigest hashes the canonical serialization of rec with the selected
// algorithm. The signature field is never part of the digest.
func ComputeDigest(rec *audit.Record, alg Algorithm) ([]byte, error) {
	switch alg {
	case AlgorithmCurrent:
		sum := sha256.Sum256(Canonical(rec, alg))
		return sum[:], nil
	case AlgorithmLegacy:
		sum := sha1.Sum(Canonical(rec, alg)) //nolint:gosec // see import
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", alg)
	}
}

// Canonical returns the byte sequence that is hashed for rec. Field order is
// the legacy export column order; external sinks store records in that order
// and re-verify against it, so it must not change.
//
// Nil and empty strings serialize identically.
func Canonical(rec *audit.Record, alg Algorithm) []byte {
	w := &canonicalWriter{}

	w.field(rec.ID)
	w.field(rec.NodeID)
	w.field(strconv.FormatInt(rec.Time.UnixMilli(), 10))
	w.field(rec.Level.String())
	w.field(rec.Name)
	w.field(rec.Message)
	w.field(rec.IPAddress)
	w.field(audit.Deref(rec.UserName))
	w.field(audit.Deref(rec.UserID))
	w.field(audit.Deref(rec.ProviderID))

	if a := rec.AdminFields; a != nil {
		w.field(audit.Deref(a.EntityClass))
		w.field(a.EntityID)
		w.field(a.Action)
	}

	if m := rec.MessageFields; m != nil {
		w.field(strconv.Itoa(m.Status))
		w.field(audit.Deref(m.RequestID))
		w.field(m.ServiceID)
		w.field(audit.Deref(m.OperationName))
		w.field(boolField(m.Authenticated))
		w.field(audit.Deref(m.AuthType))
		w.field(strconv.Itoa(m.RequestLength))
		w.field(strconv.Itoa(m.ResponseLength))
		if alg != AlgorithmLegacy {
			w.field(audit.Deref(m.RequestContent))
			w.field(audit.Deref(m.ResponseContent))
		}
		w.field(strconv.Itoa(m.ResponseStatus))
		w.field(strconv.FormatInt(m.RoutingLatency.Milliseconds(), 10))
	}

	if s := rec.SystemFields; s != nil {
		w.field(s.Component)
		w.field(s.Action)
	}

	if alg != AlgorithmLegacy {
		for _, d := range rec.Details {
			var b strings.Builder
			b.WriteString(detailPrefix)
			b.WriteString(strconv.Itoa(d.MessageID))
			for _, p := range d.Params {
				b.WriteString(detailSeparator)
				b.WriteString(p)
			}
			w.field(b.String())
		}
	}

	return w.buf.Bytes()
}

type canonicalWriter struct {
	buf bytes.Buffer
}

// field appends one escaped value followed by the separator, so that "a:" + "b"
// and "a" + ":b" never serialize the same.
func (w *canonicalWriter) field(v string) {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\\' || c == fieldSeparator {
			w.buf.WriteByte('\\')
		}
		w.buf.WriteByte(c)
	}
	w.buf.WriteByte(fieldSeparator)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
