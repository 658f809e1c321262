// Package audit provides the audit record model of the gateway: records and
// their details, the per-operation detail accumulator, and the external sinks
// (Kafka, webhook, log) that sink policies deliver records to, with circuit
// breaker protection for network sinks.
package audit
