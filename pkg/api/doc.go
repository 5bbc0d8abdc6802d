/*
Package api serves the HTTP endpoints of a long-running hoosegow process.

	/health   liveness, always 200 while the process runs
	/ready    200 when the sandbox image exists and the ledger is readable,
	          503 otherwise, with a per-check breakdown
	/metrics  Prometheus metrics from pkg/metrics

The readiness checks take small interfaces, so a *hoosegow.Hoosegow serves
as the Prober and a storage.Store as the Ledger.
*/
package api
