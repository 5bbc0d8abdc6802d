/*
Package docker drives the container lifecycle for sandboxed calls through
the Docker Engine API.

A Driver owns at most one container at a time and moves it through

	absent → created → started → attached → waited → deleted

Run performs a whole call: create and start (or reuse a prestarted
container), attach with the dispatch bytes on stdin, wait, delete and, when
prestart is enabled, create and start the container for the next call so
that call goes straight to attach.

# Attach

Attach uses a hijacked HTTP connection. The dispatch is written to the
container's stdin, stdin is half-closed, and the multiplexed output is
demultiplexed frame by frame into a stream.FrameHandler, usually
protocol.Proxy.Receive.

# Failure policy

Control endpoint failures are returned as *DriverError. Build stream error
objects become *ImageBuildError. Deleting a container never fails the
caller: the failure is logged as "Docker could not delete <id>: <msg>",
counted in hoosegow_container_delete_failures_total and published as a
container.leaked event; after Config.LeakThreshold consecutive failures
the log level rises to error. Lifecycle hooks receive the container's
inspect metadata and their failures and panics are logged and counted.
*/
package docker
