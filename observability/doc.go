// Package observability provides structured logging with credential
// redaction, Prometheus metrics and OpenTelemetry spans. A nil *Metrics is
// valid and records nothing.
package observability
