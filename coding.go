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

// Package httpcoding implements the content-coding layer of an HTTP server.
//
// Outgoing responses are compressed according to a per-response or configured
// [ContentEncoding] policy and framed with either Content-Length or chunked
// transfer-encoding. Incoming request bodies are decompressed lazily according to
// their Content-Encoding header before they reach the handler.
//
// Most servers only need [Middleware]:
//
//	enc, err := httpcoding.NewEncoder()
//	if err != nil {
//		// handle error
//	}
//	http.ListenAndServe(":8080", httpcoding.Middleware(enc, mux))
//
// Handlers that want to pick the encoding of their response call [SetEncoding], or
// hand a complete [Response] to [Respond].
package httpcoding

import (
	"fmt"
	"strings"

	"github.com/openpcc/httpcoding/codec"
)

// ContentEncoding is the encoding policy of an outgoing response. It is never sent on
// the wire; it resolves to a concrete content-coding before the response is framed.
type ContentEncoding uint8

const (
	// EncodingDefault defers to the policy configured on the [Encoder].
	EncodingDefault ContentEncoding = iota
	// Identity never compresses.
	Identity
	// Gzip compresses with gzip.
	Gzip
	// Deflate compresses with the zlib format.
	Deflate
	// Brotli compresses with brotli.
	Brotli
	// Automatic picks the best codec acceptable to the client.
	Automatic
)

func (e ContentEncoding) String() string {
	switch e {
	case EncodingDefault:
		return "default"
	case Identity:
		return "identity"
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	case Automatic:
		return "auto"
	default:
		return fmt.Sprintf("ContentEncoding(%d)", uint8(e))
	}
}

// ParseContentEncoding parses a policy name as used in configuration files.
func ParseContentEncoding(s string) (ContentEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return EncodingDefault, nil
	case "identity", "none":
		return Identity, nil
	case "gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "br", "brotli":
		return Brotli, nil
	case "auto", "automatic":
		return Automatic, nil
	default:
		return EncodingDefault, fmt.Errorf("unknown content encoding policy %q", s)
	}
}

// codecEncoding returns the content-coding of an explicit codec policy.
func (e ContentEncoding) codecEncoding() (codec.Encoding, bool) {
	switch e {
	case Gzip:
		return codec.Gzip, true
	case Deflate:
		return codec.Deflate, true
	case Brotli:
		return codec.Brotli, true
	default:
		return codec.Identity, false
	}
}

// isChunkedTransferEncoding checks if chunked is the final transfer encoding.
// Transfer encodings are processed in reverse order of their appearance in
// the array (unwound), so chunked must be at position 0 to be the final
// encoding applied.
func isChunkedTransferEncoding(enc []string) bool {
	return len(enc) > 0 && enc[0] == "chunked"
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	default:
	}
	return true
}
