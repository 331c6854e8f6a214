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
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/openpcc/httpcoding"
	"github.com/openpcc/httpcoding/codec"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

func runH2CHandlerWhile(t *testing.T, handler http.Handler) string {
	t.Helper()

	server := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{}))
	t.Cleanup(func() {
		server.Close()
	})

	return server.URL
}

// h2cTransport speaks HTTP/2 over plain TCP.
func h2cTransport(t *testing.T) *http2.Transport {
	t.Helper()

	transport := &http2.Transport{
		AllowHTTP:          true,
		DisableCompression: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	t.Cleanup(transport.CloseIdleConnections)
	return transport
}

func TestH2CResponseHeaders(t *testing.T) {
	tests := map[string]struct {
		acceptEncoding string
		want           http.Header
	}{
		"ok, identity": {
			acceptEncoding: "identity",
			want: http.Header{
				"Content-Length": {strconv.Itoa(len(helloWorld))},
				"Content-Type":   {"text/plain; charset=utf-8"},
				"Vary":           {"Accept-Encoding"},
			},
		},
		"ok, gzip": {
			acceptEncoding: "gzip",
			want: http.Header{
				"Content-Encoding": {"gzip"},
				"Content-Type":     {"text/plain; charset=utf-8"},
				"Vary":             {"Accept-Encoding"},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			enc := newEncoder(t)
			url := runH2CHandlerWhile(t, httpcoding.Middleware(enc, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, err := w.Write([]byte(helloWorld))
				require.NoError(t, err)
			})))

			req := newRequest(t, http.MethodGet, url, nil)
			req.Header.Set("Accept-Encoding", tc.acceptEncoding)
			resp, err := h2cTransport(t).RoundTrip(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, 2, resp.ProtoMajor)

			ignored := cmpopts.IgnoreMapEntries(func(k string, _ []string) bool {
				// set by the server, and the length of an encoded response depends on
				// when the server flushes its headers.
				return k == "Date" || (k == "Content-Length" && tc.acceptEncoding != "identity")
			})
			if diff := cmp.Diff(tc.want, resp.Header, ignored); diff != "" {
				t.Errorf("response header mismatch (-want +got):\n%s", diff)
			}

			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			if tc.acceptEncoding == "gzip" {
				got = decode(t, codec.Gzip, got)
			}
			require.Equal(t, helloWorld, string(got))
		})
	}
}

func TestH2CConcurrentExchanges(t *testing.T) {
	enc := newEncoder(t, httpcoding.WithMaxBodySize(1<<20))
	url := runH2CHandlerWhile(t, httpcoding.Middleware(enc, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := httpcoding.ReadBody(r)
		if err != nil {
			return
		}
		_, _ = w.Write(body)
	})))

	transport, err := httpcoding.NewTransport(
		httpcoding.WithBaseTransport(h2cTransport(t)),
		httpcoding.WithRequestEncoding(codec.Gzip),
	)
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	g, ctx := errgroup.WithContext(t.Context())
	g.SetLimit(4)
	for i := range 16 {
		payload := randomBytes(t, 1+i*10_000)
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("request %d: unexpected status %d", i, resp.StatusCode)
			}
			got, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			if !bytes.Equal(payload, got) {
				return fmt.Errorf("request %d: body mismatch", i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
