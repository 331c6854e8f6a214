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
	"errors"
	"fmt"
	"net/http"

	"github.com/openpcc/httpcoding/codec"
	"go.opentelemetry.io/otel/trace"
)

type transportCfg struct {
	base      http.RoundTripper
	codecs    []codec.Codec
	reqEnc    codec.Encoding
	chunkSize int
	tracer    trace.Tracer
}

// TransportOption allows for the configuration of Transports.
type TransportOption func(cfg *transportCfg) error

// WithBaseTransport provides the round tripper that sends the encoded requests.
func WithBaseTransport(rt http.RoundTripper) TransportOption {
	return func(cfg *transportCfg) error {
		if rt == nil {
			return errors.New("nil base transport")
		}
		cfg.base = rt
		return nil
	}
}

// WithTransportCodecs sets the codecs the Transport advertises and decodes, in order
// of preference.
func WithTransportCodecs(encs ...codec.Encoding) TransportOption {
	return func(cfg *transportCfg) error {
		codecs := make([]codec.Codec, 0, len(encs))
		for _, enc := range encs {
			c, err := codec.Lookup(enc)
			if err != nil {
				return fmt.Errorf("codec %v: %w", enc, err)
			}
			codecs = append(codecs, c)
		}
		cfg.codecs = codecs
		return nil
	}
}

// WithRequestEncoding compresses request bodies with enc.
func WithRequestEncoding(enc codec.Encoding) TransportOption {
	return func(cfg *transportCfg) error {
		if enc == codec.Identity {
			cfg.reqEnc = enc
			return nil
		}
		if _, err := codec.Lookup(enc); err != nil {
			return fmt.Errorf("codec %v: %w", enc, err)
		}
		cfg.reqEnc = enc
		return nil
	}
}

// WithTransportChunkSize sets the size of the chunks read from request bodies.
func WithTransportChunkSize(size int) TransportOption {
	return func(cfg *transportCfg) error {
		if size <= 0 {
			return errors.New("chunk size must be positive")
		}
		cfg.chunkSize = size
		return nil
	}
}

// WithOTELTransportTracer provides a custom otel tracer for the transport to use for tracing
func WithOTELTransportTracer(tracer trace.Tracer) TransportOption {
	return func(cfg *transportCfg) error {
		if tracer == nil {
			return errors.New("nil tracer")
		}
		cfg.tracer = tracer
		return nil
	}
}
