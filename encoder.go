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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/openpcc/httpcoding/codec"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Encoder decodes request bodies and encodes responses according to its configuration.
// The configuration is fixed at construction, an Encoder is safe for concurrent use.
//
// The Encoder is designed to be used through [Middleware] but can also be used as a
// standalone component by calling [Encoder.DecodeRequest] and [Encoder.WriteResponse].
type Encoder struct {
	cfg    *config
	tracer trace.Tracer
	logger *slog.Logger
}

// NewEncoder creates a new Encoder.
func NewEncoder(opts ...Option) (*Encoder, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		err := opt(cfg)
		if err != nil {
			return nil, err
		}
	}

	if !cfg.customErrorHandler {
		cfg.errorHandler = defaultErrorHandler(cfg.logger)
	}
	cfg.codecs = slices.Clone(cfg.codecs)

	return &Encoder{
		cfg:    cfg,
		tracer: cfg.tracer,
		logger: cfg.logger,
	}, nil
}

// AcceptEncoding returns the enabled content-codings as an Accept-Encoding value.
func (e *Encoder) AcceptEncoding() string {
	return acceptEncodingValue(e.cfg.codecs)
}

func acceptEncodingValue(codecs []codec.Codec) string {
	if len(codecs) == 0 {
		return "identity"
	}
	tokens := make([]string, 0, len(codecs))
	for _, c := range codecs {
		tokens = append(tokens, c.Encoding().String())
	}
	return strings.Join(tokens, ", ")
}

// DecodeRequest prepares r for a handler. The Content-Encoding is validated before any
// body bytes are read. Compressed bodies are replaced by a reader that decompresses on
// demand; the Content-Encoding and Content-Length headers are removed as they no longer
// describe the body.
//
// Decompression errors are sticky and are reported as a [CodingError] with code
// [ErrorCodeCorrupt] by the body reader.
func (e *Encoder) DecodeRequest(r *http.Request) (*http.Request, error) {
	ctx, span := e.tracer.Start(r.Context(), "httpcoding.Encoder.DecodeRequest")
	defer span.End()

	reqCtx := r.Context()
	x, ok := exchangeFrom(reqCtx)
	if !ok {
		x = newExchange(e.cfg)
		reqCtx = withExchange(reqCtx, x)
	}

	enc, err := parseContentCoding(r.Header.Values("Content-Encoding"))
	if err == nil && enc != codec.Identity {
		if _, ok := e.cfg.codec(enc); !ok {
			err = fmt.Errorf("%w: %s is not enabled", ErrUnsupportedEncoding, enc)
		}
	}
	if err != nil {
		err = CodingError{
			Code: ErrorCodeUnsupportedEncoding,
			Err:  err,
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	req := r.WithContext(reqCtx)
	span.SetAttributes(attribute.String("content_encoding", enc.String()))
	if enc == codec.Identity {
		return req, nil
	}

	c, _ := e.cfg.codec(enc)
	req.Header = r.Header.Clone()
	req.Header.Del("Content-Encoding")
	req.Header.Del("Content-Length")
	req.ContentLength = -1
	if r.Body != nil && r.Body != http.NoBody {
		src := newTracedReader(ctx, e.tracer, r.Body, "httpcoding.EncodedRequestBody")
		req.Body = &decodingBody{
			r: codec.NewDecodingReader(c, src),
			x: x,
		}
	}

	return req, nil
}

// parseContentCoding parses Content-Encoding header values. Only a single coding is
// supported.
func parseContentCoding(values []string) (codec.Encoding, error) {
	var tokens []string
	for _, value := range values {
		for token := range strings.SplitSeq(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" || strings.EqualFold(token, "identity") {
				continue
			}
			tokens = append(tokens, token)
		}
	}

	switch len(tokens) {
	case 0:
		return codec.Identity, nil
	case 1:
		enc, err := codec.ParseEncoding(tokens[0])
		if err != nil {
			return codec.Identity, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, tokens[0])
		}
		return enc, nil
	default:
		return codec.Identity, fmt.Errorf("%w: layered codings %q", ErrUnsupportedEncoding, strings.Join(tokens, ", "))
	}
}

// rejectRequest writes the error response for a request that failed to decode.
func (e *Encoder) rejectRequest(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnsupportedEncoding) {
		// RFC 9110, section 15.5.16.
		w.Header().Set("Accept-Encoding", e.AcceptEncoding())
	}
	e.cfg.errorHandler.HandleError(w, false, err)
}

// decodingBody is the body of a decoded request. It records the first failure on the
// exchange.
type decodingBody struct {
	r   io.ReadCloser
	x   *exchange
	err error
}

func (b *decodingBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}

	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = classifyReadError(err)
		b.x.fail(b.err)
		return n, b.err
	}
	return n, err
}

func (b *decodingBody) Close() error {
	return b.r.Close()
}

func classifyReadError(err error) error {
	var mbErr *http.MaxBytesError
	switch {
	case errors.Is(err, codec.ErrCorrupt):
		return CodingError{Code: ErrorCodeCorrupt, Err: err}
	case errors.As(err, &mbErr):
		return CodingError{Code: ErrorCodeTooLarge, Err: fmt.Errorf("%w: %w", ErrTooLarge, err)}
	default:
		return CodingError{Code: ErrorCodeRequestIO, Err: err}
	}
}

// WriteResponse encodes resp and writes it to w. r is the request being answered, its
// method and Accept-Encoding header influence the response.
//
// Errors are passed to the error handler. When the error happened before the headers
// were written the error handler writes the response, otherwise the returned error
// indicates a truncated response and the caller should abort the exchange, for
// example by panicking with [http.ErrAbortHandler].
func (e *Encoder) WriteResponse(w http.ResponseWriter, r *http.Request, resp *Response) error {
	committed, err := e.writeResponse(r.Context(), w, r, resp)
	if err != nil {
		e.cfg.errorHandler.HandleError(w, committed, err)
		return err
	}
	return nil
}

func (e *Encoder) writeResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, resp *Response) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "httpcoding.Encoder.WriteResponse")
	defer span.End()

	if resp == nil {
		return false, CodingError{Code: ErrorCodeResponseEncoding, Err: errors.New("nil response")}
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := normalizeBody(resp.Body)

	if !bodyAllowedForStatus(status) {
		closeBody(body)
		header.Del("Content-Length")
		header.Del("Transfer-Encoding")
		writeHeader(w, header, status)
		return true, nil
	}

	// trailers are not supported, they are dropped along with any transfer-coding
	// the handler picked.
	declared := declaredLength(header)
	header.Del("Transfer-Encoding")
	header.Del("Trailer")

	sniffContentType(header, body)
	n := e.negotiate(r, header, body, resp.Encoding)
	framing, ambiguous := frameFor(r.Method, body, n.compressed(), declared)
	if ambiguous {
		e.logger.WarnContext(ctx, "honoring declared content length",
			"error", CodingError{Code: ErrorCodeAmbiguousLength, Err: ErrAmbiguousLength},
			"declared", declared,
			"encoding", n.encoding.String(),
		)
	}
	framing.apply(header)

	span.SetAttributes(
		attribute.String("content_encoding", n.encoding.String()),
		attribute.Bool("passthrough", n.passthrough),
		attribute.Bool("chunked", framing.Chunked),
	)

	src := openBody(body)
	if r.Method == http.MethodHead {
		_ = src.Close()
		writeHeader(w, header, status)
		return true, nil
	}

	if n.compressed() {
		comp, err := codec.NewCompressor(n.encoding)
		if err != nil {
			_ = src.Close()
			return false, CodingError{Code: ErrorCodeResponseEncoding, Err: err}
		}
		src = codec.NewEncodingReader(comp, src, e.cfg.chunkSize)
	}
	defer src.Close()

	writeHeader(w, header, status)

	err := writeBody(w, src, framing.Chunked, e.cfg.chunkSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return true, err
	}
	return true, nil
}

func writeHeader(w http.ResponseWriter, header http.Header, status int) {
	dst := w.Header()
	dst.Del("Content-Length")
	dst.Del("Transfer-Encoding")
	dst.Del("Content-Encoding")
	maps.Copy(dst, header)
	w.WriteHeader(status)
}

// sniffContentType sets the Content-Type of a known body from its plaintext, before
// compression could distort the result.
func sniffContentType(header http.Header, body Body) {
	if _, ok := header["Content-Type"]; ok {
		return
	}
	if header.Get("Content-Encoding") != "" {
		return
	}
	if b, ok := body.(Sized); ok {
		header.Set("Content-Type", http.DetectContentType(b.Bytes))
	}
}

// writeBody copies r to w. When flush is set, w is flushed after each write so chunks
// reach the client as they are produced.
func writeBody(w http.ResponseWriter, r io.Reader, flush bool, bufLen int) error {
	flusher, isFlusher := w.(http.Flusher)
	buf := make([]byte, max(1, bufLen))
	// adapted from io.CopyBuffer and inserted a flush after the write.
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			// nosemgrep: go.lang.security.audit.xss.no-direct-write-to-responsewriter.no-direct-write-to-responsewriter
			nw, errW := w.Write(buf[0:nr])
			if nw < 0 || nr < nw {
				return CodingError{Code: ErrorCodeResponseIO, Err: errors.New("invalid write")}
			}
			if errW != nil {
				return CodingError{Code: ErrorCodeResponseIO, Err: errW}
			}
			if nr != nw {
				return CodingError{Code: ErrorCodeResponseIO, Err: io.ErrShortWrite}
			}

			if flush && isFlusher {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return CodingError{Code: ErrorCodeResponseEncoding, Err: err}
		}
	}
}

type exchangeKey struct{}

// exchange is the state of one request/response exchange. It carries the immutable
// configuration of the Encoder and the first request failure.
type exchange struct {
	cfg *config

	mu  sync.Mutex
	err error
}

func newExchange(cfg *config) *exchange {
	return &exchange{cfg: cfg}
}

func (x *exchange) fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err == nil {
		x.err = err
	}
}

func (x *exchange) failure() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

func withExchange(ctx context.Context, x *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, x)
}

func exchangeFrom(ctx context.Context) (*exchange, bool) {
	x, ok := ctx.Value(exchangeKey{}).(*exchange)
	return x, ok
}
