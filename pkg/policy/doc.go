// Package policy provides the policy-execution and policy-lookup capabilities
// used by the audit pipeline: a registry of Rego policies tagged by purpose and
// an OPA-backed engine that runs them against bound variables.
package policy
