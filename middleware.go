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
	"errors"
	"io"
	"maps"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/codes"
)

// Middleware uses the encoder as a handler middleware.
//
// The wrapped handler receives the decoded request and writes a plain response. The
// Middleware records the response until it knows whether it is a sized or a streaming
// response: a handler that flushes, sets "Transfer-Encoding: chunked" or writes more
// than the buffer size produces a streaming response, which is encoded while the
// handler is still writing. Everything else is encoded as a sized response after the
// handler returns.
//
// A Content-Length set by the handler is an explicit length assertion and is sent as-is,
// even when the response is compressed. A Content-Encoding set by the handler marks the
// body as already encoded.
//
// If reading the request body fails with a decode error, the handler's response is
// replaced by the response of the error handler. If the response was already committed
// at that point, the exchange is aborted.
func Middleware(e *Encoder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := e.tracer.Start(r.Context(), "httpcoding.Middleware")
		defer span.End()

		x := newExchange(e.cfg)
		r = r.WithContext(withExchange(ctx, x))

		req, err := e.DecodeRequest(r)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.rejectRequest(w, err)
			return
		}

		rw := &responseWriter{
			orig:     w,
			req:      req,
			enc:      e,
			x:        x,
			recorder: newResponseRecorder(),
		}

		innerCtx, innerSpan := e.tracer.Start(req.Context(), "httpcoding.Middleware.inner")
		next.ServeHTTP(rw, req.WithContext(innerCtx))
		innerSpan.End()

		// important: close the responseWriter so we will wait for async streaming
		// to complete.
		err = rw.Close()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			// the response is committed but incomplete, the connection can't be reused.
			panic(http.ErrAbortHandler)
		}
	})
}

// SetEncoding sets the encoding policy of the response written to w. It must be called
// before the response is streamed.
func SetEncoding(w http.ResponseWriter, policy ContentEncoding) error {
	rw, ok := middlewareWriter(w)
	if !ok {
		return ErrNotMiddlewareWriter
	}
	if rw.async != nil {
		return ErrResponseStarted
	}
	rw.policy = policy
	return nil
}

// Respond hands a complete response to the Middleware. Headers set on w before the call
// are added to resp unless resp sets them itself. Nothing may be written to w before or
// after calling Respond.
func Respond(w http.ResponseWriter, resp *Response) error {
	rw, ok := middlewareWriter(w)
	if !ok {
		return ErrNotMiddlewareWriter
	}
	return rw.respond(resp)
}

// middlewareWriter finds the responseWriter of the Middleware, looking through
// writers that wrap it.
func middlewareWriter(w http.ResponseWriter) (*responseWriter, bool) {
	for {
		switch t := w.(type) {
		case *responseWriter:
			return t, true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return nil, false
		}
	}
}

// responseWriter captures writes in the recorder until it knows for certain whether
// the response is a sized or streaming response.
type responseWriter struct {
	// orig is the real response writer to which the encoded response is written.
	orig     http.ResponseWriter
	req      *http.Request
	enc      *Encoder
	x        *exchange
	recorder *responseRecorder
	policy   ContentEncoding

	// resp is set when the handler used Respond.
	resp *Response

	// async is set when we're streaming the response.
	async *streamingBody
}

func (c *responseWriter) Header() http.Header {
	return c.recorder.Header()
}

func (c *responseWriter) WriteHeader(code int) {
	if c.resp != nil || c.async != nil {
		return
	}

	if code >= 100 && code <= 199 && c.recorder.status == 0 {
		// informational responses go out immediately.
		maps.Copy(c.orig.Header(), c.recorder.Header())
		c.orig.WriteHeader(code)
		return
	}

	c.recorder.WriteHeader(code)
}

func (c *responseWriter) Write(p []byte) (int, error) {
	if c.resp != nil {
		return 0, ErrResponseStarted
	}

	if c.async == nil {
		c.recorder.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(c.recorder.status) {
		// pretend to write the body for responses that don't allow one.
		return len(p), nil
	}

	if c.async != nil {
		if c.req.Method == http.MethodHead {
			return len(p), nil
		}
		// We've began streaming the response. Write to the pipe instead.
		return c.async.Write(p)
	}

	// we're not streaming (but might in the future), write to the recorder.
	n, err := c.recorder.Write(p)
	if err != nil {
		return n, err
	}

	// this write could have made the response a streaming response.
	if c.recorder.shouldStream(c.enc.cfg.bufferSize) {
		c.beginStreaming()
	}

	return n, nil
}

func (c *responseWriter) Flush() {
	if c.resp != nil {
		return
	}

	if c.async == nil {
		// first flush always results in a streaming response.
		c.recorder.WriteHeader(http.StatusOK)
		c.beginStreaming()
	}
	if c.req.Method == http.MethodHead || !bodyAllowedForStatus(c.recorder.status) {
		return
	}

	// the streaming goroutine sends uncompressed chunks as they come, but a compressor
	// holds on to its input until told to flush.
	c.async.flush()
}

func (c *responseWriter) respond(resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if c.resp != nil || c.async != nil || c.recorder.status != 0 {
		return ErrResponseStarted
	}

	clone := *resp
	clone.Header = resp.Header.Clone()
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	for k, v := range c.recorder.Header() {
		if _, ok := clone.Header[k]; !ok {
			clone.Header[k] = v
		}
	}
	c.resp = &clone
	return nil
}

// Close finishes the response. It returns an error when a committed response could
// not be completed.
func (c *responseWriter) Close() error {
	errHandler := c.enc.cfg.errorHandler
	failure := c.x.failure()

	if c.async != nil {
		if failure != nil {
			c.async.abort(failure)
		}
		// waits for the streaming goroutine to complete.
		err := c.async.Close()
		if failure != nil {
			errHandler.HandleError(c.orig, true, failure)
			return failure
		}
		if err != nil {
			errHandler.HandleError(c.orig, true, err)
			return err
		}
		return nil
	}

	if failure != nil {
		// nothing was sent yet, replace the response.
		if c.resp != nil {
			closeBody(c.resp.Body)
		}
		c.enc.rejectRequest(c.orig, failure)
		return nil
	}

	resp := c.resp
	if resp == nil {
		resp = c.recorder.finish(c.policy)
	}

	committed, err := c.enc.writeResponse(c.req.Context(), c.orig, c.req, resp)
	if err != nil {
		errHandler.HandleError(c.orig, committed, err)
		if committed {
			return err
		}
	}
	return nil
}

func (c *responseWriter) beginStreaming() {
	pReader, pWriter := io.Pipe()
	resp := c.recorder.finishStreaming(c.policy, pReader)

	done := make(chan error, 1)
	go func() {
		committed, err := c.enc.writeResponse(c.req.Context(), c.orig, c.req, resp)
		if err != nil && !committed {
			c.enc.cfg.errorHandler.HandleError(c.orig, false, err)
			err = nil
		}
		done <- err
	}()

	// note for future: be careful not to return without waiting for the goroutine
	// to finish.
	c.async = &streamingBody{
		pWriter: pWriter,
		done:    done,
	}
}

type streamingBody struct {
	pWriter *io.PipeWriter
	done    chan error
}

func (w *streamingBody) Write(p []byte) (int, error) {
	if len(p) == 0 {
		// an empty write is the flush marker.
		return 0, nil
	}
	return w.pWriter.Write(p)
}

// flush passes a flush marker to the streaming goroutine and waits for it to be read.
func (w *streamingBody) flush() {
	_, _ = w.pWriter.Write(nil)
}

// abort makes the streaming goroutine fail with err on its next read.
func (w *streamingBody) abort(err error) {
	_ = w.pWriter.CloseWithError(err)
}

func (w *streamingBody) Close() error {
	_ = w.pWriter.Close()

	// wait for the body writing routine to finish.
	return <-w.done
}

// responseRecorder captures a response.
type responseRecorder struct {
	header http.Header // active header, the handler may keep changing it.
	body   bytes.Buffer
	status int
	// sent is a snapshot of header taken when the status was written.
	sent http.Header
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header: http.Header{},
	}
}

func (w *responseRecorder) Header() http.Header {
	return w.header
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status != 0 {
		// already wrote header.
		return
	}

	w.status = code
	w.sent = w.header.Clone()
}

// shouldStream reports whether the recorded response can no longer be kept in memory,
// or whether the handler asked for a streaming response.
func (w *responseRecorder) shouldStream(bufferSize int) bool {
	if strings.EqualFold(w.sent.Get("Transfer-Encoding"), "chunked") {
		return true
	}
	return w.body.Len() > bufferSize
}

// finish stops recording and returns the response.
func (w *responseRecorder) finish(policy ContentEncoding) *Response {
	w.WriteHeader(http.StatusOK)

	var body Body = Empty{}
	if w.body.Len() > 0 {
		body = Sized{Bytes: w.body.Bytes()}
	}

	return &Response{
		StatusCode: w.status,
		Header:     w.sent,
		Body:       body,
		Encoding:   policy,
	}
}

// finishStreaming stops recording and returns a streaming response that continues
// with whatever is written to the pipe.
func (w *responseRecorder) finishStreaming(policy ContentEncoding, pReader *io.PipeReader) *Response {
	resp := w.finish(policy)

	// automatically sniff content-type when possible.
	if contentType, ok := w.sniffContentType(); ok {
		resp.Header.Set("Content-Type", contentType)
	}

	resp.Body = Streaming{
		Reader: &pipeBody{
			prefix: bytes.NewReader(w.body.Bytes()),
			pipe:   pReader,
		},
	}
	return resp
}

// pipeBody is a streaming body made of the recorded prefix followed by whatever the
// handler writes to the pipe. An empty read from the pipe is a flush marker.
type pipeBody struct {
	prefix *bytes.Reader
	pipe   *io.PipeReader
	flush  bool
}

func (b *pipeBody) Read(p []byte) (int, error) {
	if b.prefix.Len() > 0 {
		return b.prefix.Read(p)
	}

	n, err := b.pipe.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		b.flush = true
	}
	return n, err
}

// FlushRequested implements [codec.FlushSource].
func (b *pipeBody) FlushRequested() bool {
	f := b.flush
	b.flush = false
	return f
}

func (b *pipeBody) Close() error {
	return b.pipe.Close()
}

func (w *responseRecorder) sniffContentType() (string, bool) {
	// don't sniff when a content-type or content-encoding has been provided.
	if _, ok := w.sent["Content-Type"]; ok {
		return "", false
	}
	if w.sent.Get("Content-Encoding") != "" {
		return "", false
	}

	if w.body.Len() == 0 {
		return "", false
	}

	// net/http server does not sniff content types when transfer-encoding is
	// explicitly set to chunked.
	if w.sent.Get("Transfer-Encoding") == "chunked" {
		return "", false
	}

	return http.DetectContentType(w.body.Bytes()), true
}
