/*
Package transport connects to a container runtime's control endpoint and
speaks HTTP/1.1 over it.

Endpoints are either a local domain socket (unix:///var/run/docker.sock,
the default) or a TCP address (tcp://host:port). Client.Do covers the
ordinary request/response calls. Client.Hijack covers attach: it writes
the request by hand on a dedicated connection, parses the response
headers, and returns the same socket as a raw bidirectional stream. Any
bytes the header parser read ahead stay in HijackedConn.Reader, so reads
must go through the HijackedConn rather than the underlying net.Conn.

No read or write deadlines are set. Calls are bounded by the caller's
context and by the runtime.
*/
package transport
