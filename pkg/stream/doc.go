// Package stream implements the framing the container runtime uses to
// multiplex stdout and stderr over one attach connection.
//
// Every frame starts with an 8-byte header: one stream tag byte, three
// padding bytes, and a big-endian uint32 payload length. Demuxer accepts
// that byte stream in arbitrary fragments and reports whole frames.
package stream
