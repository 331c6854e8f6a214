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

package httpcoding_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openpcc/httpcoding"
	"github.com/openpcc/httpcoding/codec"
	"github.com/stretchr/testify/require"
)

func TestJSONProblemErrorHandler(t *testing.T) {
	tests := map[string]struct {
		err        error
		wantStatus int
		wantClose  bool
	}{
		"unsupported encoding": {
			err:        httpcoding.CodingError{Code: httpcoding.ErrorCodeUnsupportedEncoding, Err: httpcoding.ErrUnsupportedEncoding},
			wantStatus: http.StatusUnsupportedMediaType,
		},
		"too large": {
			err:        httpcoding.CodingError{Code: httpcoding.ErrorCodeTooLarge, Err: httpcoding.ErrTooLarge},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantClose:  true,
		},
		"corrupt": {
			err:        httpcoding.CodingError{Code: httpcoding.ErrorCodeCorrupt, Err: codec.ErrCorrupt},
			wantStatus: http.StatusBadRequest,
			wantClose:  true,
		},
		"request io": {
			err:        httpcoding.CodingError{Code: httpcoding.ErrorCodeRequestIO, Err: errors.New("reset")},
			wantStatus: http.StatusBadRequest,
			wantClose:  true,
		},
		"response encoding": {
			err:        httpcoding.CodingError{Code: httpcoding.ErrorCodeResponseEncoding, Err: errors.New("broken")},
			wantStatus: http.StatusInternalServerError,
		},
		"wrapped sentinel": {
			err:        fmt.Errorf("reading body: %w", httpcoding.ErrTooLarge),
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		"unknown error": {
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var logged []error
			h := &httpcoding.JSONProblemErrorHandler{
				LogFunc: func(err error) {
					logged = append(logged, err)
				},
			}

			rec := httptest.NewRecorder()
			rec.Header().Set("Content-Encoding", "gzip")
			rec.Header().Set("Content-Length", "12")
			h.HandleError(rec, false, tc.err)

			result := rec.Result()
			require.Equal(t, tc.wantStatus, result.StatusCode)
			require.Equal(t, "application/problem+json", result.Header.Get("Content-Type"))
			require.Empty(t, result.Header.Get("Content-Encoding"))
			require.Empty(t, result.Header.Get("Content-Length"))
			if tc.wantClose {
				require.Equal(t, "close", result.Header.Get("Connection"))
			} else {
				require.Empty(t, result.Header.Get("Connection"))
			}

			problem := map[string]any{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			require.Equal(t, map[string]any{
				"type":   "about:blank",
				"title":  http.StatusText(tc.wantStatus),
				"status": float64(tc.wantStatus),
			}, problem)
			require.Equal(t, []error{tc.err}, logged)
		})
	}
}

func TestJSONProblemErrorHandlerHeadersWritten(t *testing.T) {
	var logged []error
	h := &httpcoding.JSONProblemErrorHandler{
		LogFunc: func(err error) {
			logged = append(logged, err)
		},
	}

	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	err := errors.New("too late")
	h.HandleError(rec, true, err)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.Bytes())
	require.Equal(t, []error{err}, logged)
}

func TestCodingErrorClassification(t *testing.T) {
	tests := map[string]struct {
		code                             httpcoding.ErrorCode
		general, decode, encode, framing bool
	}{
		"request io":        {code: httpcoding.ErrorCodeRequestIO, general: true},
		"response io":       {code: httpcoding.ErrorCodeResponseIO, general: true},
		"unsupported":       {code: httpcoding.ErrorCodeUnsupportedEncoding, decode: true},
		"corrupt":           {code: httpcoding.ErrorCodeCorrupt, decode: true},
		"too large":         {code: httpcoding.ErrorCodeTooLarge, decode: true},
		"response encoding": {code: httpcoding.ErrorCodeResponseEncoding, encode: true},
		"ambiguous length":  {code: httpcoding.ErrorCodeAmbiguousLength, framing: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := httpcoding.CodingError{Code: tc.code, Err: errors.New("x")}
			require.Equal(t, tc.general, err.IsGeneralError())
			require.Equal(t, tc.decode, err.IsDecodeError())
			require.Equal(t, tc.encode, err.IsEncodeError())
			require.Equal(t, tc.framing, err.IsFramingError())
		})
	}
}
