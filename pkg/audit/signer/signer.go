// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // legacy digest size
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/metrics"
)

var (
	// ErrMalformedSignature means the signature bytes cannot be a signature
	// for the certificate's key at all, as opposed to a well-formed signature
	// that does not match.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrMalformedDigest means the digest is not a SHA-1 or SHA-256 value.
	ErrMalformedDigest = errors.New("malformed digest")
	// ErrUnsupportedKey is returned for key types other than RSA, ECDSA and Ed25519.
	ErrUnsupportedKey = errors.New("unsupported key type")
)

// Signer signs records with a private key whose certificate is used for
// verification later on.
type Signer struct {
	key  crypto.Signer
	cert *x509.Certificate
}

// New creates a Signer. The certificate must carry the key's public half.
func New(key crypto.Signer, cert *x509.Certificate) (*Signer, error) {
	if key == nil || cert == nil {
		return nil, errors.New("signer requires a private key and a certificate")
	}
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}
	if _, err := hashForKey(cert.PublicKey, sha256.Size); err != nil {
		return nil, err
	}
	return &Signer{key: key, cert: cert}, nil
}

// Certificate returns the certificate matching the signing key.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// Sign signs the current digest of rec, stores the signature on the record and
// marks it as signed. A record is signed at most once.
func (s *Signer) Sign(rec *audit.Record) error {
	if rec.Signed() {
		return audit.ErrAlreadySigned
	}
	digest, err := ComputeDigest(rec, AlgorithmCurrent)
	if err != nil {
		return err
	}
	sig, err := s.SignDigest(digest)
	if err != nil {
		metrics.AuditSignatures.WithLabelValues("error").Inc()
		return fmt.Errorf("signing audit record %s: %w", rec.ID, err)
	}
	rec.Signature = sig
	rec.MarkSigned()
	metrics.AuditSignatures.WithLabelValues("success").Inc()
	return nil
}

// SignDigest signs a precomputed digest. The hash is implied by the digest
// length, so this also produces legacy (SHA-1) signatures.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	h, err := hashForKey(s.cert.PublicKey, len(digest))
	if err != nil {
		return nil, err
	}
	return s.key.Sign(rand.Reader, digest, h)
}

// Verify checks signature against digest with the certificate's public key.
// A well-formed signature that does not match returns false and no error;
// errors are reserved for input that cannot be a signature or digest at all.
func Verify(signature, digest []byte, cert *x509.Certificate) (bool, error) {
	if cert == nil {
		return false, errors.New("no certificate")
	}
	if len(signature) == 0 {
		return false, fmt.Errorf("%w: empty", ErrMalformedSignature)
	}
	h, err := hashForKey(cert.PublicKey, len(digest))
	if err != nil {
		return false, err
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if len(signature) != pub.Size() {
			return false, fmt.Errorf("%w: %d bytes for a %d byte key", ErrMalformedSignature, len(signature), pub.Size())
		}
		return rsa.VerifyPKCS1v15(pub, h, digest, signature) == nil, nil
	case *ecdsa.PublicKey:
		var parsed struct{ R, S *big.Int }
		rest, err := asn1.Unmarshal(signature, &parsed)
		if err != nil || len(rest) > 0 {
			return false, fmt.Errorf("%w: not an ASN.1 ECDSA signature", ErrMalformedSignature)
		}
		return ecdsa.VerifyASN1(pub, digest, signature), nil
	case ed25519.PublicKey:
		if len(signature) != ed25519.SignatureSize {
			return false, fmt.Errorf("%w: %d bytes", ErrMalformedSignature, len(signature))
		}
		return ed25519.Verify(pub, digest, signature), nil
	}
	return false, ErrUnsupportedKey
}

// VerifyRecord recomputes the digest of rec with alg and checks the stored
// signature against it.
func VerifyRecord(rec *audit.Record, alg Algorithm, cert *x509.Certificate) (bool, error) {
	digest, err := ComputeDigest(rec, alg)
	if err != nil {
		return false, err
	}
	ok, err := Verify(rec.Signature, digest, cert)
	switch {
	case err != nil:
		metrics.AuditVerifications.WithLabelValues(string(alg), "malformed").Inc()
	case ok:
		metrics.AuditVerifications.WithLabelValues(string(alg), "valid").Inc()
	default:
		metrics.AuditVerifications.WithLabelValues(string(alg), "invalid").Inc()
	}
	return ok, err
}

func hashForKey(pub crypto.PublicKey, digestLen int) (crypto.Hash, error) {
	var h crypto.Hash
	switch digestLen {
	case sha256.Size:
		h = crypto.SHA256
	case sha1.Size:
		h = crypto.SHA1
	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedDigest, digestLen)
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return h, nil
	case ed25519.PublicKey:
		// Ed25519 signs the digest bytes as the message.
		return crypto.Hash(0), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
