// Package metric centralizes Prometheus instrumentation: a registry that
// owns the core client metrics (connection state, event traffic, federation
// routing, mesh link health), a registration surface for per-component
// metrics, and an HTTP server for scraping.
//
// Components receive a *MetricsRegistry through their Deps struct; a nil
// registry disables instrumentation without conditional logic spread across
// call sites, since each component builds its metrics only when the
// registry is present.
package metric
