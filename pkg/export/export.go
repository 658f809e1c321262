// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package export writes stored audit records into a signed zip archive and
// verifies such archives.
//
// An archive holds two entries: audit.dat with one row per record and
// manifest.json with the SHA-256 and SHA-1 digests of audit.dat plus a
// signature over the SHA-256 digest and the signing certificate.
package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha1" //nolint:gosec // kept for consumers of the legacy export format
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
)

const (
	DataEntry     = "audit.dat"
	ManifestEntry = "manifest.json"
)

var (
	// ErrDigestMismatch means audit.dat does not match the manifest.
	ErrDigestMismatch = errors.New("export data does not match manifest digest")
	// ErrInvalidSignature means the manifest signature does not verify.
	ErrInvalidSignature = errors.New("export signature is invalid")
	// ErrUntrustedCertificate means the archive was signed by another certificate.
	ErrUntrustedCertificate = errors.New("export signed by an untrusted certificate")
)

// Columns are the audit.dat columns, in order.
var Columns = []string{
	"id", "nodeid", "time", "audit_level", "type", "name", "message",
	"ip_address", "user_name", "user_id", "provider_oid",
	"entity_class", "entity_id", "action",
	"status", "request_id", "service_oid", "operation_name", "authenticated", "authentication_type",
	"request_length", "response_length", "request_content", "response_content",
	"response_status", "routing_latency",
	"component_id", "signature", "details",
}

// Manifest describes an archive.
type Manifest struct {
	Created     time.Time `json:"created"`
	NodeID      string    `json:"nodeId"`
	Records     int       `json:"records"`
	SHA256      string    `json:"sha256"`
	SHA1        string    `json:"sha1"`
	Signature   string    `json:"signature,omitempty"`
	Certificate string    `json:"certificate,omitempty"`
}

// Write writes recs as an archive to w. When s is nil the manifest carries
// digests only.
func Write(w io.Writer, nodeID string, recs []*audit.Record, s *signer.Signer) (*Manifest, error) {
	var data bytes.Buffer
	writeRow(&data, Columns)
	for _, rec := range recs {
		writeRow(&data, Row(rec))
	}

	sum256 := sha256.Sum256(data.Bytes())
	sum1 := sha1.Sum(data.Bytes()) //nolint:gosec // see import
	m := &Manifest{
		Created: time.Now().UTC().Truncate(time.Millisecond),
		NodeID:  nodeID,
		Records: len(recs),
		SHA256:  hex.EncodeToString(sum256[:]),
		SHA1:    hex.EncodeToString(sum1[:]),
	}
	if s != nil {
		sig, err := s.SignDigest(sum256[:])
		if err != nil {
			return nil, fmt.Errorf("signing export: %w", err)
		}
		m.Signature = base64.StdEncoding.EncodeToString(sig)
		m.Certificate = string(signer.EncodeCertificatePEM(s.Certificate()))
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}

	zw := zip.NewWriter(w)
	for _, e := range []struct {
		name string
		body []byte
	}{{DataEntry, data.Bytes()}, {ManifestEntry, manifest}} {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: m.Created})
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", e.name, err)
		}
		if _, err := fw.Write(e.body); err != nil {
			return nil, fmt.Errorf("writing %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing export archive: %w", err)
	}
	return m, nil
}

// Verify checks an archive. trusted may be nil to accept the certificate
// embedded in the manifest; otherwise the archive must be signed by trusted.
// An unsigned archive verifies only its digests and only when trusted is nil.
func Verify(r io.ReaderAt, size int64, trusted *x509.Certificate) (*Manifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading export archive: %w", err)
	}
	data, err := readEntry(zr, DataEntry)
	if err != nil {
		return nil, err
	}
	raw, err := readEntry(zr, ManifestEntry)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ManifestEntry, err)
	}

	sum256 := sha256.Sum256(data)
	sum1 := sha1.Sum(data) //nolint:gosec // see import
	if hex.EncodeToString(sum256[:]) != m.SHA256 || hex.EncodeToString(sum1[:]) != m.SHA1 {
		return &m, ErrDigestMismatch
	}

	if m.Signature == "" {
		if trusted != nil {
			return &m, fmt.Errorf("%w: archive is not signed", ErrInvalidSignature)
		}
		return &m, nil
	}
	cert, err := signer.ParseCertificatePEM([]byte(m.Certificate))
	if err != nil {
		return &m, fmt.Errorf("parsing export certificate: %w", err)
	}
	if trusted != nil && !trusted.Equal(cert) {
		return &m, ErrUntrustedCertificate
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return &m, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ok, err := signer.Verify(sig, sum256[:], cert)
	if err != nil {
		return &m, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return &m, ErrInvalidSignature
	}
	return &m, nil
}

// Row returns the audit.dat values of rec in Columns order.
func Row(rec *audit.Record) []string {
	row := make([]string, 0, len(Columns))
	row = append(row,
		rec.ID, rec.NodeID, strconv.FormatInt(rec.Time.UnixMilli(), 10), rec.Level.String(), string(rec.Category),
		rec.Name, rec.Message, rec.IPAddress,
		audit.Deref(rec.UserName), audit.Deref(rec.UserID), audit.Deref(rec.ProviderID),
	)

	var entityClass, entityID, action string
	if a := rec.AdminFields; a != nil {
		entityClass, entityID, action = audit.Deref(a.EntityClass), a.EntityID, a.Action
	}
	var componentID string
	if s := rec.SystemFields; s != nil {
		componentID, action = s.Component, s.Action
	}
	row = append(row, entityClass, entityID, action)

	if m := rec.MessageFields; m != nil {
		auth := "0"
		if m.Authenticated {
			auth = "1"
		}
		row = append(row,
			strconv.Itoa(m.Status), audit.Deref(m.RequestID), m.ServiceID, audit.Deref(m.OperationName),
			auth, audit.Deref(m.AuthType),
			strconv.Itoa(m.RequestLength), strconv.Itoa(m.ResponseLength),
			audit.Deref(m.RequestContent), audit.Deref(m.ResponseContent),
			strconv.Itoa(m.ResponseStatus), strconv.FormatInt(m.RoutingLatency.Milliseconds(), 10),
		)
	} else {
		row = append(row, make([]string, 12)...)
	}

	details := make([]string, 0, len(rec.Details))
	for _, d := range rec.Details {
		var b strings.Builder
		b.WriteString("ADMID:")
		b.WriteString(strconv.Itoa(d.MessageID))
		for _, p := range d.Params {
			b.WriteString("/-/_/-/")
			b.WriteString(detailEscaper.Replace(p))
		}
		details = append(details, b.String())
	}
	row = append(row, componentID, base64.StdEncoding.EncodeToString(rec.Signature), strings.Join(details, ";"))
	return row
}

var detailEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`)

// writeRow writes values separated by ':' and terminated by a newline.
// Backslash, ':' and line breaks inside values are escaped.
func writeRow(buf *bytes.Buffer, values []string) {
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(':')
		}
		for j := 0; j < len(v); j++ {
			switch c := v[j]; c {
			case '\\', ':':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			default:
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte('\n')
}

func readEntry(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("export archive has no %s: %w", name, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return b, nil
}
