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

	"github.com/openpcc/httpcoding/codec"
)

// negotiation is the outcome of resolving an encoding policy for one response.
type negotiation struct {
	// encoding is the content-coding applied by the Encoder.
	encoding codec.Encoding
	// passthrough is set when the body already carries a Content-Encoding.
	passthrough bool
	// vary is set when the request's Accept-Encoding was consulted.
	vary bool
}

func (n negotiation) compressed() bool {
	return !n.passthrough && n.encoding != codec.Identity
}

// negotiate resolves the encoding of a response and updates header to match it.
func (e *Encoder) negotiate(r *http.Request, header http.Header, body Body, policy ContentEncoding) negotiation {
	var n negotiation
	_, isEmpty := body.(Empty)
	isHead := r != nil && r.Method == http.MethodHead

	preset := strings.TrimSpace(header.Get("Content-Encoding"))
	switch {
	case isEmpty && !isHead:
		// empty bodies are never encoded, a declared encoding would be a lie.
		header.Del("Content-Encoding")
		return n
	case preset != "" && !strings.EqualFold(preset, "identity"):
		n.passthrough = true
		return n
	case isEmpty:
		header.Del("Content-Encoding")
		return n
	}

	if policy == EncodingDefault {
		policy = e.cfg.defaultEncoding
	}

	switch policy {
	case Automatic:
		n.vary = true
		n.encoding = selectEncoding(acceptEncoding(r), e.cfg.codecs)
	case Gzip, Deflate, Brotli:
		enc, _ := policy.codecEncoding()
		if _, ok := e.cfg.codec(enc); ok {
			n.encoding = enc
		} else {
			e.cfg.logger.Warn("content coding not enabled, sending identity", "encoding", enc.String())
		}
	default:
	}

	if n.encoding == codec.Identity {
		header.Del("Content-Encoding")
	} else {
		header.Set("Content-Encoding", n.encoding.String())
	}
	if n.vary {
		addVary(header, "Accept-Encoding")
	}
	return n
}

func acceptEncoding(r *http.Request) []string {
	if r == nil {
		return nil
	}
	return r.Header.Values("Accept-Encoding")
}

// selectEncoding chooses the best codec based on the client's Accept-Encoding values.
// Codecs are considered in order, so earlier codecs win on equal quality. A request
// without Accept-Encoding accepts any coding and gets the first codec.
//
// Returns Identity when no codec is acceptable.
func selectEncoding(accept []string, codecs []codec.Codec) codec.Encoding {
	if len(codecs) == 0 {
		return codec.Identity
	}
	if len(accept) == 0 {
		return codecs[0].Encoding()
	}

	// Format: "gzip, deflate, br;q=0.9, *;q=0.8"
	qualities := make(map[string]float64)
	wildcard := -1.0
	for _, value := range accept {
		for enc := range strings.SplitSeq(value, ",") {
			name, q, ok := parseCoding(enc)
			if !ok {
				continue
			}
			if name == "*" {
				wildcard = q
				continue
			}
			if name == "x-gzip" {
				name = "gzip"
			}
			qualities[name] = q
		}
	}

	best := codec.Identity
	bestQuality := 0.0
	for _, c := range codecs {
		q, ok := qualities[c.Encoding().String()]
		if !ok {
			if wildcard < 0 {
				continue
			}
			q = wildcard
		}
		if q > bestQuality {
			bestQuality = q
			best = c.Encoding()
		}
	}
	return best
}

// parseCoding parses one element of an Accept-Encoding list.
func parseCoding(s string) (string, float64, bool) {
	name, params, _ := strings.Cut(s, ";")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", 0, false
	}

	quality := 1.0
	for param := range strings.SplitSeq(params, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || q < 0 || q > 1 {
			return "", 0, false
		}
		quality = q
	}
	return name, quality, true
}

// addVary adds name to the Vary header unless it is already listed.
func addVary(header http.Header, name string) {
	for _, value := range header.Values("Vary") {
		for field := range strings.SplitSeq(value, ",") {
			field = strings.TrimSpace(field)
			if field == "*" || strings.EqualFold(field, name) {
				return
			}
		}
	}
	header.Add("Vary", name)
}
