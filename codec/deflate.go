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
	"bufio"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
)

// deflateCodec implements "deflate" as the zlib container, which is what HTTP peers
// send and expect despite the name.
type deflateCodec struct{}

func (deflateCodec) Encoding() Encoding { return Deflate }

func (deflateCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriterLevel(w, zlib.DefaultCompression)
}

var errTrailingData = errors.New("codec: data after end of stream")

func (deflateCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	// A byte reader keeps the zlib reader from reading past the end of the stream, so
	// whatever is left in src afterwards is trailing data.
	src := bufio.NewReader(r)
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, corrupt(err)
	}
	return &zlibReader{ReadCloser: zr, src: src}, nil
}

// zlibReader rejects input that follows a complete zlib stream, which the zlib reader
// itself ignores.
type zlibReader struct {
	io.ReadCloser
	src *bufio.Reader
	err error
}

func (z *zlibReader) Read(p []byte) (int, error) {
	if z.err != nil {
		return 0, z.err
	}

	n, err := z.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		if _, rerr := z.src.ReadByte(); rerr == nil {
			err = errTrailingData
		} else if !errors.Is(rerr, io.EOF) {
			err = rerr
		}
	}
	if err != nil {
		z.err = err
	}
	return n, err
}
