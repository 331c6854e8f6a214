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
	"log/slog"

	"github.com/openpcc/httpcoding/codec"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultBufferSize is the number of response bytes the Middleware records before it
// switches to a streaming response. It matches the buffer net/http uses before it
// starts chunking.
const DefaultBufferSize = 2048

type config struct {
	defaultEncoding ContentEncoding
	codecs          []codec.Codec
	maxBodySize     int64
	bufferSize      int
	chunkSize       int
	errorHandler    ErrorHandler
	logger          *slog.Logger
	tracer          trace.Tracer

	// customErrorHandler is set when errorHandler was provided by an option, the
	// default handler follows the logger.
	customErrorHandler bool
}

func defaultConfig() *config {
	return &config{
		defaultEncoding: Automatic,
		codecs:          codec.Available(),
		maxBodySize:     DefaultMaxBodySize,
		bufferSize:      DefaultBufferSize,
		chunkSize:       codec.DefaultChunkSize,
		logger:          slog.Default(),
		tracer:          noop.Tracer{},
	}
}

// codec returns the enabled codec for enc.
func (cfg *config) codec(enc codec.Encoding) (codec.Codec, bool) {
	for _, c := range cfg.codecs {
		if c.Encoding() == enc {
			return c, true
		}
	}
	return nil, false
}

// Option configures an Encoder.
type Option func(cfg *config) error

// WithDefaultEncoding sets the policy used by responses that don't pick their own.
// The default is [Automatic].
func WithDefaultEncoding(policy ContentEncoding) Option {
	return func(cfg *config) error {
		if policy == EncodingDefault || policy > Automatic {
			return fmt.Errorf("invalid default encoding %v", policy)
		}
		cfg.defaultEncoding = policy
		return nil
	}
}

// WithCodecs sets the enabled codecs, in order of preference. Passing no encodings
// disables compression altogether.
func WithCodecs(encs ...codec.Encoding) Option {
	return func(cfg *config) error {
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

// WithMaxBodySize sets the limit used when accumulating request bodies.
func WithMaxBodySize(limit int64) Option {
	return func(cfg *config) error {
		if limit <= 0 {
			return errors.New("max body size must be positive")
		}
		cfg.maxBodySize = limit
		return nil
	}
}

// WithBufferSize sets how many bytes the Middleware records before streaming a response.
func WithBufferSize(size int) Option {
	return func(cfg *config) error {
		if size < 0 {
			return errors.New("negative buffer size")
		}
		cfg.bufferSize = size
		return nil
	}
}

// WithChunkSize sets the size of the chunks pulled from a body when it is encoded.
func WithChunkSize(size int) Option {
	return func(cfg *config) error {
		if size <= 0 {
			return errors.New("chunk size must be positive")
		}
		cfg.chunkSize = size
		return nil
	}
}

// WithErrorHandler provides a custom error handler.
func WithErrorHandler(errHandler ErrorHandler) Option {
	return func(cfg *config) error {
		if errHandler == nil {
			return errors.New("nil error handler")
		}
		cfg.errorHandler = errHandler
		cfg.customErrorHandler = true
		return nil
	}
}

// WithLogger provides the logger for framing inconsistencies and failed exchanges.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		cfg.logger = logger
		return nil
	}
}

// WithOTELTracer provides a custom otel tracer.
func WithOTELTracer(tracer trace.Tracer) Option {
	return func(cfg *config) error {
		if tracer == nil {
			return errors.New("nil tracer")
		}
		cfg.tracer = tracer
		return nil
	}
}
