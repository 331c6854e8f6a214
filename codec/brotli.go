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

//go:build !nobrotli

package codec

import (
	"errors"
	"io"

	"github.com/andybalholm/brotli"
)

// brotliExcessiveInput is the message of the error the brotli reader returns when bytes
// follow a finished stream. The error value itself is not exported.
const brotliExcessiveInput = "brotli: excessive input"

var brotliCodec Codec = brotliImpl{}

type brotliImpl struct{}

func (brotliImpl) Encoding() Encoding { return Brotli }

func (brotliImpl) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
}

func (brotliImpl) NewReader(r io.Reader) (io.ReadCloser, error) {
	src := &paddedSource{r: r}
	return &brotliReader{br: brotli.NewReader(src), src: src}, nil
}

// brotliReader tells a finished stream from one cut short. The brotli reader reports a
// plain io.EOF whenever its source runs dry, so once the source is exhausted one padding
// byte is fed to the decoder: a finished stream rejects it as excessive input, anything
// else means the stream was truncated.
type brotliReader struct {
	br  *brotli.Reader
	src *paddedSource
	err error
}

func (r *brotliReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.br.Read(p)
	if !r.src.padded {
		if err != nil {
			r.err = err
		}
		return n, err
	}

	// The padding byte is never part of a valid stream, so no output may follow it.
	switch {
	case n == 0 && err == nil:
		return 0, nil
	case n == 0 && err != nil && err.Error() == brotliExcessiveInput:
		r.err = io.EOF
	default:
		r.err = io.ErrUnexpectedEOF
	}
	return 0, r.err
}

func (r *brotliReader) Close() error {
	return nil
}

// paddedSource yields a single zero byte after r reports io.EOF, then io.EOF.
type paddedSource struct {
	r      io.Reader
	eof    bool
	padded bool
}

func (s *paddedSource) Read(p []byte) (int, error) {
	switch {
	case len(p) == 0:
		return 0, nil
	case s.padded:
		return 0, io.EOF
	case s.eof:
		p[0] = 0
		s.padded = true
		return 1, nil
	}

	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof = true
		if n == 0 {
			return s.Read(p)
		}
		return n, nil
	}
	return n, err
}
