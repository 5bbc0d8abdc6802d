// Package protocol carries one method call across the sandbox boundary.
//
// The trusted side uses a Proxy: it encodes a dispatch message for the
// container's stdin and consumes the demultiplexed attach output, turning
// yield messages into callbacks, a return message into the result and a
// raise message into an *InmateRuntimeError.
//
// The sandbox side uses a Runner: it reads the dispatch, looks the method
// up in an inmate.Registry and writes yields and the terminal message to
// the side channel. Output the method prints is captured and forwarded as
// stdout messages on the same channel, so it can never corrupt the
// protocol stream. Combine is the variant for a separate entrypoint
// process that merges an inmate's plain stdout with its side channel.
package protocol
