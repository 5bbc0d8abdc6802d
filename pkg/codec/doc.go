/*
Package codec encodes and decodes the inner messages exchanged between the
trusted side and an inmate.

Every message is a CBOR array of two elements, [tag, payload]:

	dispatch  [method, args]            trusted side → inmate, once per call
	yield     [values...]               zero or more, in order
	return    value                     terminal
	raise     {class, message, backtrace}  terminal
	stdout    byte string               zero or more, anywhere

CBOR is self-delimiting, so messages need no outer framing. Decoder
buffers a partial message until the rest arrives; it is correct even when
the input trickles in one byte at a time.

Values decoded into any use map[string]any for maps and int64 for
integers, so a dispatch round-trips to the same Go values it was built
from.
*/
package codec
