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
	"fmt"
	"io"
	"net/http"

	"github.com/openpcc/httpcoding/codec"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Transport is a http.RoundTripper that adds content-coding to a client. It advertises
// the enabled codecs in Accept-Encoding, decodes responses that use one of them and can
// compress request bodies.
//
// Like the compression of http.Transport, decoding only happens when the Transport set
// the Accept-Encoding header itself. Set the header to nil to opt out for a request.
type Transport struct {
	base      http.RoundTripper
	codecs    []codec.Codec
	reqEnc    codec.Encoding
	chunkSize int
	tracer    trace.Tracer
}

// NewTransport creates a new transport for the given options.
func NewTransport(opts ...TransportOption) (*Transport, error) {
	// default transport config
	cfg := &transportCfg{
		base:      http.DefaultTransport,
		codecs:    codec.Available(),
		reqEnc:    codec.Identity,
		chunkSize: codec.DefaultChunkSize,
		tracer:    noop.Tracer{},
	}

	for _, opt := range opts {
		err := opt(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Transport{
		base:      cfg.base,
		codecs:    cfg.codecs,
		reqEnc:    cfg.reqEnc,
		chunkSize: cfg.chunkSize,
		tracer:    cfg.tracer,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	ctx, span := t.tracer.Start(req.Context(), "httpcoding.Transport.RoundTrip")
	defer span.End()

	clone := req.Clone(ctx)

	decode := false
	if val, ok := clone.Header["Accept-Encoding"]; !ok {
		clone.Header.Set("Accept-Encoding", acceptEncodingValue(t.codecs))
		decode = len(t.codecs) > 0
	} else if val == nil {
		clone.Header.Del("Accept-Encoding")
	}

	err = t.encodeRequestBody(clone)
	if err != nil {
		// the base transport never saw the body, close it as part of the roundtrip contract.
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("httpcoding: failed to encode request body: %w", err)
	}

	resp, err = t.base.RoundTrip(clone)
	if err != nil {
		return nil, err
	}

	if decode {
		t.decodeResponse(clone, resp)
	}

	span.SetAttributes(attribute.Bool("decoded", resp.Uncompressed))
	return resp, nil
}

// encodeRequestBody compresses the body of req with the configured request encoding.
// Requests that already carry a Content-Encoding are left alone.
func (t *Transport) encodeRequestBody(req *http.Request) error {
	if t.reqEnc == codec.Identity || req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.Header.Get("Content-Encoding") != "" {
		return nil
	}

	body, err := t.encodingBody(req, req.Body)
	if err != nil {
		return err
	}

	if getBody := req.GetBody; getBody != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			b, err := getBody()
			if err != nil {
				return nil, err
			}
			return t.encodingBody(req, b)
		}
	}

	req.Body = body
	req.ContentLength = -1
	req.Header.Del("Content-Length")
	req.Header.Set("Content-Encoding", t.reqEnc.String())
	return nil
}

func (t *Transport) encodingBody(req *http.Request, body io.ReadCloser) (io.ReadCloser, error) {
	comp, err := codec.NewCompressor(t.reqEnc)
	if err != nil {
		return nil, err
	}
	src := newTracedReader(req.Context(), t.tracer, body, "httpcoding.RequestBodyReader")
	return codec.NewEncodingReader(comp, src, t.chunkSize), nil
}

// decodeResponse replaces the body of resp with a decoding reader when it uses one of
// the enabled codecs. Other codings are passed on untouched.
func (t *Transport) decodeResponse(req *http.Request, resp *http.Response) {
	if req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		return
	}

	values := resp.Header.Values("Content-Encoding")
	if len(values) == 0 {
		return
	}

	enc, err := parseContentCoding(values)
	if err != nil || enc == codec.Identity {
		return
	}

	var c codec.Codec
	for _, candidate := range t.codecs {
		if candidate.Encoding() == enc {
			c = candidate
			break
		}
	}
	if c == nil {
		// we never asked for this coding.
		return
	}

	src := newTracedReader(req.Context(), t.tracer, resp.Body, "httpcoding.EncodedResponseReader")
	resp.Body = codec.NewDecodingReader(c, src)
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}
