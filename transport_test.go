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
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/openpcc/httpcoding"
	"github.com/openpcc/httpcoding/codec"
	"github.com/stretchr/testify/require"
)

func newTransportClient(t *testing.T, opts ...httpcoding.TransportOption) *http.Client {
	t.Helper()

	base := &http.Transport{
		DisableCompression: true,
	}
	t.Cleanup(base.CloseIdleConnections)

	opts = append([]httpcoding.TransportOption{httpcoding.WithBaseTransport(base)}, opts...)
	transport, err := httpcoding.NewTransport(opts...)
	require.NoError(t, err)
	return &http.Client{Transport: transport}
}

func TestTransportDecodesResponse(t *testing.T) {
	payload := randomBytes(t, 160_000)

	for _, c := range codec.Available() {
		t.Run("ok, "+c.Encoding().String(), func(t *testing.T) {
			enc := newEncoder(t, httpcoding.WithCodecs(c.Encoding()))
			url := runHandlerWhile(t, httpcoding.Middleware(enc, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, err := w.Write(payload)
				require.NoError(t, err)
			})))

			resp, err := newTransportClient(t).Do(newRequest(t, http.MethodGet, url, nil))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.True(t, resp.Uncompressed)
			require.Empty(t, resp.Header.Get("Content-Encoding"))
			require.Equal(t, int64(-1), resp.ContentLength)

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestTransportAcceptEncoding(t *testing.T) {
	names := make([]string, 0)
	for _, c := range codec.Available() {
		names = append(names, c.Encoding().String())
	}

	tests := map[string]struct {
		opts      []httpcoding.TransportOption
		setHeader bool
		header    []string
		want      []string
	}{
		"ok, advertises available codecs": {
			want: []string{strings.Join(names, ", ")},
		},
		"ok, advertises configured codecs": {
			opts: []httpcoding.TransportOption{httpcoding.WithTransportCodecs(codec.Deflate, codec.Gzip)},
			want: []string{"deflate, gzip"},
		},
		"ok, no codecs": {
			opts: []httpcoding.TransportOption{httpcoding.WithTransportCodecs()},
			want: []string{"identity"},
		},
		"ok, caller header is kept": {
			setHeader: true,
			header:    []string{"br"},
			want:      []string{"br"},
		},
		"ok, nil header opts out": {
			setHeader: true,
			header:    nil,
			want:      nil,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := make(chan []string, 1)
			url := runHandlerWhile(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got <- r.Header.Values("Accept-Encoding")
			}))

			req := newRequest(t, http.MethodGet, url, nil)
			if tc.setHeader {
				req.Header["Accept-Encoding"] = tc.header
			}
			resp, err := newTransportClient(t, tc.opts...).Do(req)
			require.NoError(t, err)
			require.NoError(t, resp.Body.Close())

			require.Equal(t, tc.want, <-got)
		})
	}
}

func TestTransportLeavesResponseEncoded(t *testing.T) {
	deflated := encode(t, codec.Deflate, []byte(helloWorld))

	tests := map[string]struct {
		opts      []httpcoding.TransportOption
		setHeader bool
		header    []string
	}{
		"ok, caller asked for the coding": {
			setHeader: true,
			header:    []string{"deflate"},
		},
		"ok, caller opted out": {
			setHeader: true,
			header:    nil,
		},
		"ok, coding was not advertised": {
			opts: []httpcoding.TransportOption{httpcoding.WithTransportCodecs(codec.Gzip)},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			url := runHandlerWhile(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", "deflate")
				_, err := w.Write(deflated)
				require.NoError(t, err)
			}))

			req := newRequest(t, http.MethodGet, url, nil)
			if tc.setHeader {
				req.Header["Accept-Encoding"] = tc.header
			}
			resp, err := newTransportClient(t, tc.opts...).Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.False(t, resp.Uncompressed)
			require.Equal(t, "deflate", resp.Header.Get("Content-Encoding"))

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, helloWorld, string(decode(t, codec.Deflate, got)))
		})
	}
}

func TestTransportCorruptResponse(t *testing.T) {
	url := runHandlerWhile(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, err := w.Write([]byte("this is not gzip"))
		require.NoError(t, err)
	}))

	resp, err := newTransportClient(t).Do(newRequest(t, http.MethodGet, url, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.ErrorIs(t, err, codec.ErrCorrupt)
}

func TestTransportEncodesRequest(t *testing.T) {
	payload := randomBytes(t, 70_000)

	for _, c := range codec.Available() {
		t.Run("ok, "+c.Encoding().String(), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/echo", http.StatusTemporaryRedirect)
			})
			mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, int64(-1), r.ContentLength)

				body, err := httpcoding.ReadBody(r)
				require.NoError(t, err)
				_, err = w.Write(body)
				require.NoError(t, err)
			})
			enc := newEncoder(t, httpcoding.WithMaxBodySize(1<<20))
			url := runHandlerWhile(t, httpcoding.Middleware(enc, mux))

			tests := map[string]string{
				"direct":   url + "/echo",
				"redirect": url + "/redirect",
			}
			for name, target := range tests {
				t.Run(name, func(t *testing.T) {
					client := newTransportClient(t, httpcoding.WithRequestEncoding(c.Encoding()))
					resp, err := client.Do(newRequest(t, http.MethodPost, target, bytes.NewReader(payload)))
					require.NoError(t, err)
					defer resp.Body.Close()

					require.Equal(t, http.StatusOK, resp.StatusCode)
					got, err := io.ReadAll(resp.Body)
					require.NoError(t, err)
					require.True(t, bytes.Equal(payload, got))
				})
			}
		})
	}
}

func TestNewTransportErrors(t *testing.T) {
	tests := map[string]httpcoding.TransportOption{
		"fail, nil base transport": httpcoding.WithBaseTransport(nil),
		"fail, unknown codec":      httpcoding.WithTransportCodecs(codec.Encoding(42)),
		"fail, identity codec":     httpcoding.WithTransportCodecs(codec.Identity),
		"fail, zero chunk size":    httpcoding.WithTransportChunkSize(0),
		"fail, nil tracer":         httpcoding.WithOTELTransportTracer(nil),
	}

	for name, opt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := httpcoding.NewTransport(opt)
			require.Error(t, err)
		})
	}
}
