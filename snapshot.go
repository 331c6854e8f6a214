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
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/openpcc/bhttp"
)

// Snapshot reads resp in full, up to limit bytes of body, and serializes it as a
// known-length Binary HTTP message (RFC 9292). The body of resp is closed.
//
// Snapshots capture the response as it was received, so an encoded body stays encoded.
func Snapshot(resp *http.Response, limit int64) ([]byte, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = NewAccumulator(limit).ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, fmt.Errorf("failed to close body: %w", closeErr)
		}
	}

	known := *resp
	known.Header = resp.Header.Clone()
	if known.Header == nil {
		known.Header = make(http.Header)
	}
	known.Header.Del("Transfer-Encoding")
	known.TransferEncoding = nil
	known.Trailer = nil
	known.Body = io.NopCloser(bytes.NewReader(body))
	known.ContentLength = int64(len(body))
	if bodyAllowedForStatus(known.StatusCode) {
		known.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	encoder := &bhttp.ResponseEncoder{
		MapFunc: func(hr *http.Response) (*bhttp.Response, error) {
			br, err := bhttp.MapFromHTTP1Response(hr)
			if err != nil {
				return nil, err
			}

			if !bodyAllowedForStatus(br.FinalStatusCode) {
				br.ContentLength = 0
				br.KnownLength = true
				br.FinalHeader.Del("Content-Length")
			}
			return br, nil
		},
	}
	msg, err := encoder.EncodeResponse(&known)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response to bhttp: %w", err)
	}

	out, err := io.ReadAll(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to read bhttp message: %w", err)
	}
	return out, nil
}

// ReadSnapshot restores a response serialized by [Snapshot].
func ReadSnapshot(ctx context.Context, r io.Reader) (*http.Response, error) {
	decoder := &bhttp.ResponseDecoder{}
	resp, err := decoder.DecodeResponse(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response from bhttp: %w", err)
	}
	return resp, nil
}
