package codec

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Tag names the kind of an inner message.
type Tag string

const (
	TagDispatch Tag = "dispatch"
	TagYield    Tag = "yield"
	TagReturn   Tag = "return"
	TagRaise    Tag = "raise"
	TagStdout   Tag = "stdout"
)

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagDispatch, TagYield, TagReturn, TagRaise, TagStdout:
		return true
	default:
		return false
	}
}

// Terminal reports whether a message with this tag ends a call.
func (t Tag) Terminal() bool {
	return t == TagReturn || t == TagRaise
}

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Message is one inner message: a two element array [tag, payload].
type Message struct {
	_       struct{} `cbor:",toarray"`
	Tag     Tag
	Payload RawMessage
}

// Dispatch is the payload of a dispatch message.
type Dispatch struct {
	_      struct{} `cbor:",toarray"`
	Method string
	Args   []any
}

// Raise is the payload of a raise message.
type Raise struct {
	Class     string   `cbor:"class"`
	Message   string   `cbor:"message"`
	Backtrace []string `cbor:"backtrace,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: identical values always encode to
	// identical bytes, which keeps dispatch payloads comparable in tests
	// and logs.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Values decoded into any must look like ordinary Go data:
		// string-keyed maps and int64 integers.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
		// Args and yields are not trusted to be small.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode builds the wire bytes for a [tag, payload] message.
func Encode(tag Tag, payload any) ([]byte, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", tag, err)
	}
	data, err := encMode.Marshal(Message{Tag: tag, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", tag, err)
	}
	return data, nil
}

// EncodeDispatch builds a dispatch message for method with args.
func EncodeDispatch(method string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return Encode(TagDispatch, Dispatch{Method: method, Args: args})
}

// EncodeStdout builds a stdout message. The chunk is sent as a byte string.
func EncodeStdout(chunk []byte) ([]byte, error) {
	return Encode(TagStdout, chunk)
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	if err := decMode.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Tag, err)
	}
	return nil
}

// Dispatch decodes a dispatch payload.
func (m Message) Dispatch() (Dispatch, error) {
	var d Dispatch
	if m.Tag != TagDispatch {
		return d, fmt.Errorf("expected %s message, got %s", TagDispatch, m.Tag)
	}
	err := m.DecodePayload(&d)
	if d.Args == nil {
		d.Args = []any{}
	}
	return d, err
}

// Values decodes a yield payload. A non-array payload is a single value.
func (m Message) Values() ([]any, error) {
	var v any
	if err := m.DecodePayload(&v); err != nil {
		return nil, err
	}
	if values, ok := v.([]any); ok {
		return values, nil
	}
	return []any{v}, nil
}

// Value decodes a return payload.
func (m Message) Value() (any, error) {
	var v any
	err := m.DecodePayload(&v)
	return v, err
}

// Raise decodes a raise payload.
func (m Message) Raise() (Raise, error) {
	var r Raise
	err := m.DecodePayload(&r)
	return r, err
}

// Bytes decodes a stdout payload. Text strings are accepted as well.
func (m Message) Bytes() ([]byte, error) {
	var v any
	if err := m.DecodePayload(&v); err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("stdout payload has type %T, want bytes", v)
	}
}

// Decoder incrementally decodes a stream of messages that may arrive in
// arbitrary fragments, down to a single byte at a time. It keeps any
// incomplete trailing message until more bytes are fed.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and calls fn for every message it completes, in
// order. If fn returns an error, decoding stops and the error is returned;
// undecoded bytes stay buffered.
func (d *Decoder) Feed(chunk []byte, fn func(Message) error) error {
	if d.err != nil {
		return d.err
	}
	d.buf = append(d.buf, chunk...)

	for len(d.buf) > 0 {
		var msg Message
		rest, err := decMode.UnmarshalFirst(d.buf, &msg)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Incomplete message; wait for more input.
				return nil
			}
			d.err = fmt.Errorf("malformed inner message: %w", err)
			return d.err
		}
		consumed := len(d.buf) - len(rest)
		d.buf = d.buf[consumed:]

		if !msg.Tag.Valid() {
			d.err = fmt.Errorf("unknown inner message tag %q", msg.Tag)
			return d.err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	d.buf = nil
	return nil
}

// Buffered returns the number of bytes held for an incomplete message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close reports an error if bytes of an incomplete message remain.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		return fmt.Errorf("inner message stream truncated: %w (%d bytes pending)", io.ErrUnexpectedEOF, len(d.buf))
	}
	return nil
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message
	if err := decMode.NewDecoder(r).Decode(&msg); err != nil {
		return msg, err
	}
	if !msg.Tag.Valid() {
		return msg, fmt.Errorf("unknown inner message tag %q", msg.Tag)
	}
	return msg, nil
}
