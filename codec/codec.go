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

// Package codec provides the streaming compressors and decompressors used for HTTP
// content-codings.
//
// Every codec can be used in two ways. The pull interface ([Codec.NewReader],
// [Codec.NewWriter]) wraps an io.Reader or io.Writer. The push interface ([Compressor],
// [Decompressor]) accepts input one chunk at a time via Feed and returns whatever output
// that chunk produced; Finish flushes the remaining output and releases the codec state.
//
// Instances carry per-exchange state and must never be shared between exchanges.
package codec

import (
	"errors"
	"io"
	"strings"
)

// ErrCorrupt indicates malformed or truncated compressed data.
var ErrCorrupt = errors.New("corrupt compressed data")

// ErrUnknownEncoding indicates a content-coding token that this package does not know.
var ErrUnknownEncoding = errors.New("unknown content-coding")

// ErrNotAvailable indicates a known content-coding whose codec was compiled out.
var ErrNotAvailable = errors.New("content-coding not available")

// Encoding identifies a content-coding as it appears on the wire.
type Encoding uint8

const (
	// Identity is the absence of any transformation.
	Identity Encoding = iota
	// Gzip is the gzip file format, RFC 1952.
	Gzip
	// Deflate is the zlib data format, RFC 1950. HTTP calls this "deflate".
	Deflate
	// Brotli is the brotli data format, RFC 7932.
	Brotli
)

// String returns the content-coding token for the encoding.
func (e Encoding) String() string {
	switch e {
	case Identity:
		return "identity"
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	default:
		return "unknown"
	}
}

// ParseEncoding parses a single content-coding token. Parsing is case-insensitive and
// ignores surrounding whitespace. An empty token is identity.
func ParseEncoding(token string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "identity":
		return Identity, nil
	case "gzip", "x-gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "br":
		return Brotli, nil
	default:
		return Identity, ErrUnknownEncoding
	}
}

// Codec creates streaming readers and writers for one content-coding.
type Codec interface {
	// Encoding returns the content-coding implemented by the codec.
	Encoding() Encoding
	// NewWriter returns a writer that compresses into w. Close must be called to
	// write the final block.
	NewWriter(w io.Writer) (io.WriteCloser, error)
	// NewReader returns a reader that decompresses from r. Implementations may read
	// from r before returning.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Available returns the codecs compiled into this binary, in order of preference.
func Available() []Codec {
	codecs := []Codec{gzipCodec{}}
	if brotliCodec != nil {
		codecs = append(codecs, brotliCodec)
	}
	return append(codecs, deflateCodec{})
}

// Lookup returns the codec for the given encoding. Identity has no codec.
func Lookup(enc Encoding) (Codec, error) {
	switch enc {
	case Gzip:
		return gzipCodec{}, nil
	case Deflate:
		return deflateCodec{}, nil
	case Brotli:
		if brotliCodec == nil {
			return nil, ErrNotAvailable
		}
		return brotliCodec, nil
	case Identity:
		return nil, ErrNotAvailable
	default:
		return nil, ErrUnknownEncoding
	}
}

// corrupt maps errors returned by decompression libraries to ErrCorrupt while keeping
// the original error in the chain.
func corrupt(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrCorrupt) {
		return err
	}
	return errors.Join(ErrCorrupt, err)
}
