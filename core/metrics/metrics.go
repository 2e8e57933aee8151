// Package metrics defines the instrumentation primitives shared by the core
// packages. Each package declares its own metrics interface in terms of these
// primitives, so backends (see adapters/prometheus) plug in without the core
// importing them.
package metrics

// Timer measures one operation, typically:
//
//	defer m.FlushDuration().ObserveDuration()
type Timer interface {
	ObserveDuration()
}
