package stream

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// Pump reads r on a goroutine owned by g and sends copies of each chunk on
// the returned channel, which is closed when the final chunk was sent or the
// group's context is done. depth bounds how many chunks may be in flight.
func Pump(ctx context.Context, g *errgroup.Group, r *Reader, depth int) <-chan Chunk {
	if depth <= 0 {
		depth = 1
	}
	out := make(chan Chunk, depth)
	g.Go(func() error {
		defer close(out)
		for {
			c, err := r.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			cp := *c
			cp.Data = append([]byte(nil), c.Data...)
			select {
			case out <- cp:
			case <-ctx.Done():
				return ctx.Err()
			}
			if c.Final {
				return nil
			}
		}
	})
	return out
}

type chunkReader struct {
	ctx context.Context
	r   *Reader
	cur []byte
	err error
}

// AsReader exposes r as an io.Reader for decoders that want a byte stream.
// Chunk order and cancellation checks are preserved.
func AsReader(ctx context.Context, r *Reader) io.Reader {
	return &chunkReader{ctx: ctx, r: r}
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	for len(cr.cur) == 0 {
		if cr.err != nil {
			return 0, cr.err
		}
		c, err := cr.r.Next(cr.ctx)
		if err != nil {
			cr.err = err
			return 0, err
		}
		cr.cur = c.Data
		if c.Final {
			cr.err = io.EOF
		}
	}
	n := copy(p, cr.cur)
	cr.cur = cr.cur[n:]
	return n, nil
}
