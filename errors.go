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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openpcc/httpcoding/codec"
)

var (
	// ErrUnsupportedEncoding indicates a request Content-Encoding that is unknown or
	// not enabled.
	ErrUnsupportedEncoding = errors.New("unsupported content-encoding")
	// ErrTooLarge indicates a body that exceeds the configured size limit.
	ErrTooLarge = errors.New("body too large")
	// ErrAmbiguousLength indicates a declared Content-Length that cannot be verified
	// against the encoded body. The declared length is honored; the error is only logged.
	ErrAmbiguousLength = errors.New("declared content-length does not match encoded body")
	// ErrNotMiddlewareWriter is returned by [Respond] and [SetEncoding] when the response
	// writer does not belong to [Middleware].
	ErrNotMiddlewareWriter = errors.New("response writer is not managed by httpcoding.Middleware")
	// ErrResponseStarted is returned when the response has already been (partially) written.
	ErrResponseStarted = errors.New("response already started")
)

// ErrorCode is the error code of a coding error.
type ErrorCode int

// Error codes returned by the Encoder.
const (
	ErrorCodeRequestIO  ErrorCode = 1
	ErrorCodeResponseIO ErrorCode = 2

	ErrorCodeUnsupportedEncoding ErrorCode = 100
	ErrorCodeCorrupt             ErrorCode = 101
	ErrorCodeTooLarge            ErrorCode = 102

	ErrorCodeResponseEncoding ErrorCode = 200

	ErrorCodeAmbiguousLength ErrorCode = 300
)

// CodingError is an error that occurred while decoding a request or encoding a
// response. Error handlers can check for this error and derive more detailed information.
type CodingError struct {
	Code ErrorCode
	Err  error
}

// IsGeneralError indicates whether the error is a general I/O error.
func (e CodingError) IsGeneralError() bool {
	return e.Code >= 0 && e.Code < 100
}

// IsDecodeError indicates whether the error was caused by the request body.
func (e CodingError) IsDecodeError() bool {
	return e.Code >= 100 && e.Code < 200
}

// IsEncodeError indicates whether the error happened while encoding the response.
func (e CodingError) IsEncodeError() bool {
	return e.Code >= 200 && e.Code < 300
}

// IsFramingError indicates whether the error concerns response framing.
func (e CodingError) IsFramingError() bool {
	return e.Code >= 300 && e.Code < 400
}

func (e CodingError) Error() string {
	if e.Err == nil {
		return strconv.Itoa(int(e.Code))
	}
	return strconv.Itoa(int(e.Code)) + ": " + e.Err.Error()
}

func (e CodingError) Unwrap() error {
	return e.Err
}

// closesConnection reports whether the connection can no longer be trusted after err.
func closesConnection(err error) bool {
	cErr := CodingError{}
	if errors.As(err, &cErr) {
		switch cErr.Code {
		case ErrorCodeCorrupt, ErrorCodeTooLarge, ErrorCodeRequestIO:
			return true
		default:
		}
	}
	return errors.Is(err, codec.ErrCorrupt)
}

// ErrorHandler is used to write or log errors from the Encoder and Middleware.
type ErrorHandler interface {
	// HandleError handles the provided error.
	//
	// headersWritten indicates whether the error handler can still write headers or not.
	HandleError(w http.ResponseWriter, headersWritten bool, err error)
}

// JSONProblemErrorHandler writes errors as application/problem+json responses and
// optionally logs the error with the provided LogFunc.
type JSONProblemErrorHandler struct {
	LogFunc func(err error)
}

func defaultErrorHandler(logger *slog.Logger) *JSONProblemErrorHandler {
	return &JSONProblemErrorHandler{
		LogFunc: func(err error) {
			logger.Info("content coding failed", "error", err)
		},
	}
}

// HandleError logs the error and writes a JSON problem response if no headers have been written.
func (h *JSONProblemErrorHandler) HandleError(w http.ResponseWriter, headersWritten bool, err error) {
	if h.LogFunc != nil {
		h.LogFunc(err)
	}

	if headersWritten {
		return
	}

	code := statusForError(err)
	problem := struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Status int    `json:"status"`
	}{
		Type:   "about:blank",
		Title:  http.StatusText(code),
		Status: code,
	}

	if closesConnection(err) {
		w.Header().Set("Connection", "close")
	}
	w.Header().Del("Content-Encoding")
	w.Header().Del("Content-Length")
	w.Header().Del("Transfer-Encoding")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if err := enc.Encode(problem); err != nil {
		if h.LogFunc != nil {
			h.LogFunc(err)
		}
	}
}

// statusForError maps an error to the status code of the response reporting it.
func statusForError(err error) int {
	cErr := CodingError{}
	if errors.As(err, &cErr) {
		switch cErr.Code {
		case ErrorCodeUnsupportedEncoding:
			return http.StatusUnsupportedMediaType
		case ErrorCodeTooLarge:
			return http.StatusRequestEntityTooLarge
		case ErrorCodeCorrupt, ErrorCodeRequestIO:
			return http.StatusBadRequest
		default:
			return http.StatusInternalServerError
		}
	}

	switch {
	case errors.Is(err, ErrUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, codec.ErrCorrupt):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
