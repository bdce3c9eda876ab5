// Package prometheus exposes authcore counters in Prometheus text format.
//
// [NewExporter] wraps any [MetricsSource], usually an *authcore.Engine, and
// its Handler can be mounted on a metrics route. Counter names follow
// authcore_<metric>_total; the validation latency histogram is
// authcore_validate_latency_seconds. Nothing is registered globally.
package prometheus
