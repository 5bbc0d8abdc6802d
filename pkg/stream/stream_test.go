package stream

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	stream  Stream
	payload []byte
}

func encodeFrames(t *testing.T, frames []frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f.stream, f.payload))
	}
	return buf.Bytes()
}

func randomFrames(r *rand.Rand, n int) []frame {
	frames := make([]frame, n)
	for i := range frames {
		payload := make([]byte, r.Intn(300))
		r.Read(payload)
		s := Stdout
		if r.Intn(3) == 0 {
			s = Stderr
		}
		frames[i] = frame{stream: s, payload: payload}
	}
	return frames
}

func TestDemuxerWholeStream(t *testing.T) {
	data := encodeFrames(t, []frame{
		{Stdout, []byte("hello ")},
		{Stderr, []byte("warning\n")},
		{Stdout, []byte("world")},
		{Stdout, nil},
	})

	var c Collector
	d := NewDemuxer(c.Handle)
	n, err := d.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, d.Close())

	assert.Equal(t, "hello world", string(c.Stdout))
	assert.Equal(t, "warning\n", string(c.Stderr))
}

func TestDemuxerByteAtATimeMatchesWhole(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		data := encodeFrames(t, randomFrames(r, 1+r.Intn(20)))

		var whole Collector
		d := NewDemuxer(whole.Handle)
		_, err := d.Write(data)
		require.NoError(t, err)
		require.NoError(t, d.Close())

		var single Collector
		d = NewDemuxer(single.Handle)
		for i := range data {
			_, err := d.Write(data[i : i+1])
			require.NoError(t, err)
		}
		require.NoError(t, d.Close())

		assert.Equal(t, whole.Stdout, single.Stdout, "round %d stdout", round)
		assert.Equal(t, whole.Stderr, single.Stderr, "round %d stderr", round)
	}
}

func TestDemuxerRandomChunks(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	frames := randomFrames(r, 50)
	data := encodeFrames(t, frames)

	var want Collector
	for _, f := range frames {
		require.NoError(t, want.Handle(f.stream, f.payload))
	}

	var got Collector
	d := NewDemuxer(got.Handle)
	for len(data) > 0 {
		n := 1 + r.Intn(17)
		if n > len(data) {
			n = len(data)
		}
		_, err := d.Write(data[:n])
		require.NoError(t, err)
		data = data[n:]
	}
	require.NoError(t, d.Close())

	assert.Equal(t, want.Stdout, got.Stdout)
	assert.Equal(t, want.Stderr, got.Stderr)
}

func TestDemuxerPreservesFrameOrder(t *testing.T) {
	data := encodeFrames(t, []frame{
		{Stdout, []byte("a")},
		{Stderr, []byte("b")},
		{Stdout, []byte("c")},
	})

	var order []string
	d := NewDemuxer(func(s Stream, payload []byte) error {
		order = append(order, s.String()+":"+string(payload))
		return nil
	})
	_, err := io.Copy(d, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, []string{"stdout:a", "stderr:b", "stdout:c"}, order)
}

func TestDemuxerSplitHeaderIsPending(t *testing.T) {
	data := encodeFrames(t, []frame{{Stdout, []byte("payload")}})

	var c Collector
	d := NewDemuxer(c.Handle)
	_, err := d.Write(data[:5])
	require.NoError(t, err)
	assert.Equal(t, 5, d.Pending())
	assert.Empty(t, c.Stdout)

	err = d.Close()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = d.Write(data[5:])
	require.NoError(t, err)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, "payload", string(c.Stdout))
}

func TestDemuxerSystemErrorIsStderr(t *testing.T) {
	data := encodeFrames(t, []frame{
		{Stdout, []byte("proto")},
		{Systemerr, []byte("runtime diag")},
		{Stderr, []byte(" and more")},
		{Stdout, []byte("col")},
	})

	c := &Collector{}
	d := NewDemuxer(c.Handle)
	_, err := d.Write(data)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.Equal(t, "protocol", string(c.Stdout))
	assert.Equal(t, "runtime diag and more", string(c.Stderr))
}

func TestDemuxerUnknownTag(t *testing.T) {
	data := encodeFrames(t, []frame{{Stream(9), []byte("x")}})

	d := NewDemuxer((&Collector{}).Handle)
	_, err := d.Write(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized attach stream tag 9")

	// The demuxer stays failed.
	_, err = d.Write(encodeFrames(t, []frame{{Stdout, []byte("y")}}))
	assert.Error(t, err)
}

func TestDemuxerOversizedFrame(t *testing.T) {
	header := []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	d := NewDemuxer((&Collector{}).Handle)
	_, err := d.Write(header)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDemuxerHandlerErrorStops(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	d := NewDemuxer(func(s Stream, payload []byte) error {
		calls++
		return boom
	})

	_, err := d.Write(encodeFrames(t, []frame{{Stdout, []byte("a")}, {Stdout, []byte("b")}}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWritersShareUnderlyingStream(t *testing.T) {
	var buf bytes.Buffer
	stdout, stderr := NewWriters(&buf)

	_, err := stdout.Write([]byte("out"))
	require.NoError(t, err)
	_, err = stderr.Write([]byte("err"))
	require.NoError(t, err)
	n, err := stdout.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	var c Collector
	d := NewDemuxer(c.Handle)
	_, err = d.Write(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "out", string(c.Stdout))
	assert.Equal(t, "err", string(c.Stderr))
}
