// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"bytes"
	"errors"
	"io"
)

var errFinished = errors.New("codec: use after finish")

// Compressor is a push-style compressor: each Feed returns the compressed output that the
// fed bytes produced, which may be empty. Flush returns output that lets a peer decode
// everything fed so far, at some cost in ratio. Finish returns the final output, including
// the format's own representation of an empty payload when nothing was fed.
type Compressor interface {
	Feed(p []byte) ([]byte, error)
	Flush() ([]byte, error)
	Finish() ([]byte, error)
}

// NewCompressor returns a fresh compressor for enc.
func NewCompressor(enc Encoding) (Compressor, error) {
	c, err := Lookup(enc)
	if err != nil {
		return nil, err
	}
	return newCompressor(c)
}

type compressor struct {
	out      bytes.Buffer
	w        io.WriteCloser
	finished bool
}

func newCompressor(c Codec) (*compressor, error) {
	comp := &compressor{}
	w, err := c.NewWriter(&comp.out)
	if err != nil {
		return nil, err
	}
	comp.w = w
	return comp, nil
}

func (c *compressor) Feed(p []byte) ([]byte, error) {
	if c.finished {
		return nil, errFinished
	}
	if len(p) > 0 {
		if _, err := c.w.Write(p); err != nil {
			return nil, err
		}
	}
	return c.drain(), nil
}

func (c *compressor) Flush() ([]byte, error) {
	if c.finished {
		return nil, errFinished
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return nil, err
		}
	}
	return c.drain(), nil
}

func (c *compressor) Finish() ([]byte, error) {
	if c.finished {
		return nil, errFinished
	}
	c.finished = true
	if err := c.w.Close(); err != nil {
		return nil, err
	}
	out := c.drain()
	c.w = nil
	return out, nil
}

// drain hands out the buffered output. The returned slice is owned by the caller.
func (c *compressor) drain() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	out := bytes.Clone(c.out.Bytes())
	c.out.Reset()
	return out
}

// DefaultChunkSize is the read size used when pulling from a source body.
const DefaultChunkSize = 32 << 10

// FlushSource is a source whose producer can ask for the data written so far to be
// delivered. FlushRequested reports whether a flush was asked for since the last call.
type FlushSource interface {
	io.Reader
	FlushRequested() bool
}

// NewEncodingReader returns a reader that pulls chunks from src, compresses them with c
// and yields the result. At most one compressed chunk is held ahead of the consumer.
// When src is a [FlushSource], the compressor is flushed after each read on which a
// flush was requested. Closing the reader closes src when it is an io.Closer.
func NewEncodingReader(c Compressor, src io.Reader, chunkSize int) io.ReadCloser {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &encodingReader{
		comp: c,
		src:  src,
		buf:  make([]byte, chunkSize),
	}
}

type encodingReader struct {
	comp    Compressor
	src     io.Reader
	buf     []byte
	pending []byte
	done    bool
	err     error
}

func (r *encodingReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.fill()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// fill pulls one chunk from the source and compresses it.
func (r *encodingReader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		out, ferr := r.comp.Feed(r.buf[:n])
		if ferr != nil {
			r.err = ferr
			return
		}
		r.pending = out
	}

	if fs, ok := r.src.(FlushSource); ok && err == nil && fs.FlushRequested() {
		out, ferr := r.comp.Flush()
		if ferr != nil {
			r.err = ferr
			return
		}
		r.pending = append(r.pending, out...)
	}

	switch {
	case errors.Is(err, io.EOF):
		out, ferr := r.comp.Finish()
		if ferr != nil {
			r.err = ferr
			return
		}
		r.pending = append(r.pending, out...)
		r.done = true
	case err != nil:
		r.err = err
	}
}

func (r *encodingReader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
