// Package otel publishes authcore counters through OpenTelemetry.
//
// [NewExporter] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per latency bucket on a caller-supplied Meter. The
// caller owns the MeterProvider.
package otel
