/*
Package types defines the data model shared by the hoosegow packages.

# Containers

A Container is the one container a docker.Driver owns at any moment. Its
State moves strictly forward:

	absent → created → started → attached → waited → deleted

The driver overwrites its Container at every create, so a Container value
is never shared between drivers or between calls.

# Volumes

VolumeMount is the resolved form of a configured volume: a container
path, the host path bound into it, and a Permission (ro or rw). The volume
package owns parsing and translation into runtime shapes.

# Ledger records

ImageRecord and CallRecord are persisted by the storage package. They are
plain JSON-tagged structs so the ledger stays readable with any bbolt
browser.
*/
package types
