// Package metrics exports compliance and alert delivery counters in the
// Prometheus exposition format.
//
// Recorder owns a private registry so tests and multiple instances never
// collide on the default one. Totals gathers the registry and sums each
// family, which the health endpoint reports.
package metrics
