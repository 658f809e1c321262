// Package cli is the auditd command line: serve runs an audit node with its
// admin API, while records, properties and version work offline against the
// configured storage and property backends.
package cli
