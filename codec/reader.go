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
	"errors"
	"io"
)

// NewDecodingReader returns a reader that decompresses src with c. The library reader is
// created on the first Read, so constructing a decoding reader never consumes input.
//
// Malformed input yields an error wrapping [ErrCorrupt]. Errors returned by src itself
// are passed through unchanged so callers can tell transport failures from bad data.
// An src that is empty from the start decodes to an empty stream. Errors are sticky.
func NewDecodingReader(c Codec, src io.Reader) io.ReadCloser {
	return &decodingReader{
		codec: c,
		src:   &sourceReader{r: src},
	}
}

type decodingReader struct {
	codec Codec
	src   *sourceReader
	zr    io.ReadCloser
	err   error
}

func (r *decodingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.zr == nil {
		zr, err := r.codec.NewReader(r.src)
		if err != nil {
			r.err = r.classify(err)
			return 0, r.err
		}
		r.zr = zr
	}

	n, err := r.zr.Read(p)
	if err != nil {
		r.err = r.classify(err)
		return n, r.err
	}
	return n, nil
}

func (r *decodingReader) classify(err error) error {
	switch {
	case r.src.err != nil && !errors.Is(r.src.err, io.EOF):
		return r.src.err
	case r.src.n == 0 && errors.Is(r.src.err, io.EOF):
		return io.EOF
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return corrupt(err)
	}
}

func (r *decodingReader) Close() error {
	var err error
	if r.zr != nil {
		err = r.zr.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, ErrCorrupt) {
			err = nil
		}
	}
	if c, ok := r.src.r.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// sourceReader remembers how much was read from the underlying source and the first
// error it returned.
type sourceReader struct {
	r   io.Reader
	n   int64
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err != nil && s.err == nil {
		s.err = err
	}
	return n, err
}
