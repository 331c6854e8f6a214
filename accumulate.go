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
	"io"
	"net/http"
)

// DefaultMaxBodySize is the default limit of an Accumulator.
const DefaultMaxBodySize = 256 << 10

// Accumulator collects a body into a single byte slice, up to a limit.
type Accumulator struct {
	limit int64
}

// NewAccumulator returns an accumulator that fails with [ErrTooLarge] once a body
// exceeds limit bytes. A limit <= 0 uses [DefaultMaxBodySize].
func NewAccumulator(limit int64) *Accumulator {
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return &Accumulator{limit: limit}
}

// Limit returns the maximum number of bytes the accumulator collects.
func (a *Accumulator) Limit() int64 {
	return a.limit
}

// ReadAll reads r until EOF. Reading stops as soon as the limit is exceeded, at most
// limit+1 bytes are ever buffered.
func (a *Accumulator) ReadAll(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, min(a.limit+1, 512))
	for {
		if len(buf) == cap(buf) {
			// grow, but never past limit+1.
			newCap := min(int64(cap(buf))*2, a.limit+1)
			grown := make([]byte, len(buf), newCap)
			copy(grown, buf)
			buf = grown
		}

		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if int64(len(buf)) > a.limit {
			return nil, tooLarge(a.limit)
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Collect accumulates b and releases it.
func (a *Accumulator) Collect(b Body) ([]byte, error) {
	switch b := normalizeBody(b).(type) {
	case Sized:
		if int64(len(b.Bytes)) > a.limit {
			return nil, tooLarge(a.limit)
		}
		return b.Bytes, nil
	case Streaming:
		defer b.Reader.Close()
		return a.ReadAll(b.Reader)
	default:
		return []byte{}, nil
	}
}

// ReadBody reads the full request body using the limit of the Encoder that decoded
// the request, or [DefaultMaxBodySize] for requests that did not pass through one.
//
// Failures are recorded on the exchange so the Middleware can replace the response.
func ReadBody(r *http.Request) ([]byte, error) {
	limit := int64(DefaultMaxBodySize)
	x, ok := exchangeFrom(r.Context())
	if ok {
		limit = x.cfg.maxBodySize
	}
	if r.Body == nil {
		return []byte{}, nil
	}

	b, err := NewAccumulator(limit).ReadAll(r.Body)
	if err != nil {
		if ok && errors.Is(err, ErrTooLarge) {
			x.fail(err)
		}
		return nil, err
	}
	return b, nil
}

func tooLarge(limit int64) error {
	return CodingError{
		Code: ErrorCodeTooLarge,
		Err:  fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, limit),
	}
}
