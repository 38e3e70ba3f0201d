// Package transfer streams bytes from a producer to a consumer through a
// bounded in-memory conduit.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// ErrShortRead is returned when the consumer finished without draining
// everything the producer wrote.
var ErrShortRead = errors.New("transfer: consumer returned before end of stream")

// Producer writes the stream into w.
type Producer func(ctx context.Context, w io.Writer) error

// Consumer reads the stream from r.
type Consumer func(ctx context.Context, r io.Reader) error

// Stats reports bytes written by the producer and read by the consumer.
type Stats struct {
	Written int64
	Read    int64
}

// Expect checks the transferred size against a known expected size.
func (s Stats) Expect(n int64) error {
	if s.Written != n || s.Read != n {
		return fmt.Errorf("transfer: size mismatch: expected=%d written=%d read=%d", n, s.Written, s.Read)
	}
	return nil
}

// Pair runs produce and consume concurrently, connected by a pipe, and
// returns once both have finished. A failure on either side closes the pipe
// so the other side unblocks; the first error is returned.
func Pair(ctx context.Context, produce Producer, consume Consumer) (Stats, error) {
	var st Stats
	pr, pw := io.Pipe()
	cw := &countingWriter{w: pw}
	cr := &countingReader{r: pr}

	stop := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		_ = pw.CloseWithError(cause)
		_ = pr.CloseWithError(cause)
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := produce(gctx, cw)
		// nil closes with io.EOF.
		_ = pw.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("produce: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := consume(gctx, cr); err != nil {
			_ = pr.CloseWithError(err)
			return fmt.Errorf("consume: %w", err)
		}
		// The consumer must have seen the whole stream.
		var one [1]byte
		n, err := cr.Read(one[:])
		switch {
		case n > 0:
			_ = pr.CloseWithError(ErrShortRead)
			return ErrShortRead
		case err == nil || errors.Is(err, io.EOF):
			return nil
		default:
			// Producer failure, reported by the producer goroutine.
			return nil
		}
	})

	err := g.Wait()
	st.Written, st.Read = cw.n, cr.n
	if err != nil {
		return st, err
	}
	if st.Written != st.Read {
		return st, ErrShortRead
	}
	return st, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
