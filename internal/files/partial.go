package files

import (
	"context"
	"fmt"
	"io"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

// Partial is the offset-addressed backing object of one upload session. Each
// write lands in its own blob named by its offset, so chunks may arrive in any
// order and a repeated chunk simply replaces its earlier copy.
type Partial struct {
	svc    *Service
	prefix string
}

// OpenPartial returns the partial object for sessionID. Nothing is created
// until the first write.
func (s *Service) OpenPartial(sessionID string) *Partial {
	return &Partial{svc: s, prefix: "uploads/" + sessionID + "/"}
}

// offsets are zero padded so lexical blob order is byte order.
func (p *Partial) chunkKey(offset int64) string {
	return fmt.Sprintf("%s%020d", p.prefix, offset)
}

// WriteAt stores exactly n bytes of r at offset.
func (p *Partial) WriteAt(ctx context.Context, offset int64, r io.Reader, n int64) error {
	if offset < 0 || n <= 0 {
		return apperr.InvalidArgument("files.Partial.WriteAt", "bad chunk at offset %d length %d", offset, n)
	}
	return p.svc.blobs.Put(ctx, p.chunkKey(offset), r, n, "application/octet-stream")
}

// Open returns the chunks concatenated in offset order. The caller is
// responsible for only opening a partial whose ranges are contiguous.
func (p *Partial) Open(ctx context.Context) (io.ReadCloser, error) {
	keys, err := p.svc.blobs.List(ctx, p.prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, apperr.NotFound("files.Partial.Open", "no data under %s", p.prefix)
	}
	return &chainReader{ctx: ctx, svc: p.svc, keys: keys}, nil
}

// Remove deletes every chunk. Missing chunks are not an error.
func (p *Partial) Remove(ctx context.Context) error {
	keys, err := p.svc.blobs.List(ctx, p.prefix)
	if err != nil {
		return err
	}
	batch := &apperr.Batch{Op: "files.Partial.Remove"}
	for _, k := range keys {
		batch.Add(k, p.svc.blobs.Delete(ctx, k))
	}
	return batch.Err()
}

// chainReader opens one chunk at a time so a large upload never holds more
// than one blob body open.
type chainReader struct {
	ctx  context.Context
	svc  *Service
	keys []string
	cur  io.ReadCloser
}

func (c *chainReader) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if len(c.keys) == 0 {
				return 0, io.EOF
			}
			rc, _, err := c.svc.blobs.Get(c.ctx, c.keys[0])
			if err != nil {
				return 0, err
			}
			c.cur, c.keys = rc, c.keys[1:]
		}
		n, err := c.cur.Read(p)
		if err == io.EOF {
			c.cur.Close()
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *chainReader) Close() error {
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}
