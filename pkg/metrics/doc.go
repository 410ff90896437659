/*
Package metrics exposes the Prometheus instrumentation shared by the
three server binaries.

Metrics are package-level collectors registered once at init. Each
binary that enables metrics serves Handler() on its metrics listener;
components update the collectors directly.
*/
package metrics
