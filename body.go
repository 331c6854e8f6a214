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

package httpcoding

import (
	"bytes"
	"io"
	"net/http"
)

// Body is the body of an outgoing response. It is one of [Empty], [Sized] or
// [Streaming].
//
// A Body is owned by the response it belongs to and is consumed exactly once.
type Body interface {
	isBody()
}

// Empty is a body without content.
type Empty struct{}

// Sized is a body whose bytes are all known before the response is written.
type Sized struct {
	Bytes []byte
}

// Streaming is a body of unknown length that is pulled from Reader as the response is
// written. The Reader is closed once the response is done with it.
type Streaming struct {
	Reader io.ReadCloser
}

func (Empty) isBody()     {}
func (Sized) isBody()     {}
func (Streaming) isBody() {}

// Response is a response as produced by a handler.
//
// A Content-Length in Header is an explicit length assertion by the caller. A
// Content-Encoding in Header marks the body as already encoded; it is then sent as-is.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       Body
	// Encoding is the encoding policy for this response. The zero value uses the
	// policy configured on the Encoder.
	Encoding ContentEncoding
}

// NewResponse returns a response with the given status and body and an empty header.
func NewResponse(status int, body Body) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       body,
	}
}

// normalizeBody maps a nil or zero-length body to Empty.
func normalizeBody(b Body) Body {
	switch b := b.(type) {
	case nil:
		return Empty{}
	case Sized:
		if len(b.Bytes) == 0 {
			return Empty{}
		}
	case *Sized:
		if b == nil || len(b.Bytes) == 0 {
			return Empty{}
		}
		return *b
	case Streaming:
		if b.Reader == nil || b.Reader == http.NoBody {
			return Empty{}
		}
	case *Streaming:
		if b == nil || b.Reader == nil || b.Reader == http.NoBody {
			return Empty{}
		}
		return *b
	case *Empty:
		return Empty{}
	}
	return b
}

// openBody returns a reader over the content of b.
func openBody(b Body) io.ReadCloser {
	switch b := b.(type) {
	case Sized:
		return io.NopCloser(bytes.NewReader(b.Bytes))
	case Streaming:
		return b.Reader
	default:
		return http.NoBody
	}
}

// closeBody releases b without reading it.
func closeBody(b Body) {
	if s, ok := b.(Streaming); ok && s.Reader != nil {
		_ = s.Reader.Close()
	}
}
