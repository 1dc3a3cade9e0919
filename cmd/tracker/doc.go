// Command tracker is the Clever Search tracking service.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts tracker beacons (JSON, sendBeacon and pixel forms), serves the
//     embeddable tracker script and per-page content fragments, and exposes dashboard analytics plus admin
//     endpoints for manual drains. Beacons are validated, stamped with a visitor fingerprint and appended to the
//     site's buffer; the response never waits on the durable store.
//   - Buffer store: a per-site Redis list (or an in-memory queue for local runs). The same Redis client backs the
//     fixed-window rate-limit counters and the optional cross-instance drain lease.
//   - Event processor: runs on an interval (EVENT_PROCESSOR_INTERVAL_MS, default five hours) and on demand. Each
//     cycle drains every site in batches, bulk-inserts raw tracker records into Postgres and folds per-page,
//     per-day aggregates into page_analytics. A batch is removed from the buffer only after its records commit.
//   - Supervision: a suture tree runs the HTTP server and the processor; a crashed component restarts with backoff.
//   - Configuration & plumbing: Viper reads an optional file plus CLEVER_* (and legacy unprefixed) environment
//     variables; zap provides structured logging; Prometheus metrics are served at /metrics.
//
// Usage:
//
//	tracker -config config.yaml
//
// With no database DSN the service runs entirely in memory, which is useful for local development only.
package main
