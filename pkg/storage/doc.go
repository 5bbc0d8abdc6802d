/*
Package storage keeps hoosegow's ledger in a BoltDB file.

The ledger has two buckets:

	images   image reference → ImageRecord (JSON)
	calls    call ID → CallRecord (JSON)

Image records let "hoosegow images" show what was built, when, and whether
the build was skipped because the content-addressed image already existed.
Call records keep the outcome of recent proxied calls; PruneCalls bounds
their number.

The database lives at <state_dir>/hoosegow.db. Opening it takes an
exclusive file lock, so only one process uses a state directory at a time.
*/
package storage
