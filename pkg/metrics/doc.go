/*
Package metrics exposes Prometheus metrics for the container driver and
the inmate call path.

All collectors are package-level variables registered with the default
registry in init, so any package can record without plumbing a registry
through constructors. Handler serves them in the Prometheus text format.

Use Timer around an operation and hand it to RecordOperation or one of
the Observe helpers:

	timer := metrics.NewTimer()
	err := driver.Start(ctx)
	metrics.RecordOperation("start", timer, err)

# Metrics

  - hoosegow_container_operations_total{operation,status}
  - hoosegow_container_operation_duration_seconds{operation}
  - hoosegow_prestart_hits_total
  - hoosegow_container_delete_failures_total
  - hoosegow_hook_failures_total{hook}
  - hoosegow_image_builds_total{result}
  - hoosegow_calls_total{method,outcome}
  - hoosegow_call_duration_seconds{method}
  - hoosegow_yields_total{method}
*/
package metrics
