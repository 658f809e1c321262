// Package config loads the audit service configuration from a YAML file and
// fills in defaults for everything the file leaves out.
package config
