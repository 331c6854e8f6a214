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
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracedReader traces a body from the first read until the first error, recording
// the number of reads and bytes.
type tracedReader struct {
	traceCtx context.Context
	name     string
	span     trace.Span
	tracer   trace.Tracer

	reads     int
	totalData int64
	ended     bool
	r         io.Reader
}

func newTracedReader(ctx context.Context, tracer trace.Tracer, r io.Reader, name string) *tracedReader {
	return &tracedReader{
		traceCtx: ctx,
		name:     name,
		tracer:   tracer,
		r:        r,
	}
}

func (r *tracedReader) Read(p []byte) (int, error) {
	if r.span == nil && !r.ended {
		_, r.span = r.tracer.Start(r.traceCtx, r.name)
	}

	n, err := r.r.Read(p)
	if !r.ended {
		r.reads++
		r.totalData += int64(n)
		if err != nil {
			r.end(err)
		}
	}

	return n, err
}

func (r *tracedReader) end(err error) {
	r.ended = true
	if r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.Int("reads", r.reads),
		attribute.Int64("bytes_read", r.totalData),
	)
	if err == nil || errors.Is(err, io.EOF) {
		r.span.SetStatus(codes.Ok, "")
	} else {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
}

// Close closes the underlying reader and ends the span if the body was abandoned
// before EOF.
func (r *tracedReader) Close() error {
	var err error
	closer, ok := r.r.(io.Closer)
	if ok {
		err = closer.Close()
	}
	if !r.ended {
		r.end(nil)
	}
	return err
}
