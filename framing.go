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
	"net/http"
	"strconv"
	"strings"
)

// Framing is the transfer framing of a response body. Exactly one of Chunked or a
// ContentLength applies; ContentLength is ignored when Chunked is set.
type Framing struct {
	Chunked       bool
	ContentLength int64
}

// frameFor computes the framing for a response. declared is the caller-asserted
// Content-Length, or -1 if there is none. Bodies that must be empty because of their
// status never reach frameFor.
//
// The second return value reports an AmbiguousLength inconsistency: a declared length
// that disagrees with, or cannot be checked against, the encoded body.
func frameFor(method string, body Body, compressed bool, declared int64) (Framing, bool) {
	switch b := body.(type) {
	case Sized:
		if !compressed {
			n := int64(len(b.Bytes))
			return Framing{ContentLength: n}, declared >= 0 && declared != n
		}
		if declared >= 0 {
			// the caller knows the final size, honor it verbatim.
			return Framing{ContentLength: declared}, true
		}
		return Framing{Chunked: true}, false
	case Streaming:
		if declared >= 0 {
			return Framing{ContentLength: declared}, compressed
		}
		return Framing{Chunked: true}, false
	default:
		if method == http.MethodHead && declared >= 0 {
			// the length of the GET representation.
			return Framing{ContentLength: declared}, false
		}
		return Framing{ContentLength: 0}, false
	}
}

// declaredLength parses a caller-provided Content-Length header. It returns -1 when
// the header is absent or invalid.
func declaredLength(header http.Header) int64 {
	v := strings.TrimSpace(header.Get("Content-Length"))
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// apply writes the framing headers, replacing any stale ones.
func (f Framing) apply(header http.Header) {
	if f.Chunked {
		header.Del("Content-Length")
		// set explicitly so net/http never replaces chunking with its own length.
		header.Set("Transfer-Encoding", "chunked")
		return
	}
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", strconv.FormatInt(f.ContentLength, 10))
}
