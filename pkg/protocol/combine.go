package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hoosegow/pkg/codec"
)

// Combine merges an inmate process's plain stdout and its side channel
// into one outward stream of inner messages. Side channel bytes are
// forwarded as whole messages; plain stdout bytes are wrapped as stdout
// messages. Messages are written in the order their source produced them.
// Combine returns once both sources reach EOF.
func Combine(ctx context.Context, out io.Writer, inmateStdout, sideChannel io.Reader) error {
	g, ctx := errgroup.WithContext(ctx)
	messages := make(chan []byte)

	send := func(data []byte) error {
		select {
		case messages <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.Go(func() error {
		return readChunks(inmateStdout, func(chunk []byte) error {
			data, err := codec.EncodeStdout(chunk)
			if err != nil {
				return err
			}
			return send(data)
		})
	})

	g.Go(func() error {
		decoder := codec.NewDecoder()
		err := readChunks(sideChannel, func(chunk []byte) error {
			return decoder.Feed(chunk, func(msg codec.Message) error {
				data, err := codec.Marshal(msg)
				if err != nil {
					return fmt.Errorf("re-encoding %s message: %w", msg.Tag, err)
				}
				return send(data)
			})
		})
		if err != nil {
			return err
		}
		return decoder.Close()
	})

	writeErr := make(chan error, 1)
	go func() {
		var err error
		for data := range messages {
			if err != nil {
				continue
			}
			if _, werr := out.Write(data); werr != nil {
				err = fmt.Errorf("writing combined output: %w", werr)
			}
		}
		writeErr <- err
	}()

	err := g.Wait()
	close(messages)
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return err
}

func readChunks(r io.Reader, fn func([]byte) error) error {
	buf := make([]byte, captureChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := fn(append([]byte(nil), buf[:n]...)); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
