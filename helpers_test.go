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
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openpcc/httpcoding"
	"github.com/openpcc/httpcoding/codec"
	"github.com/stretchr/testify/require"
)

const helloWorld = "Hello World Hello World Hello World Hello World Hello World " +
	"Hello World Hello World Hello World Hello World Hello World " +
	"Hello World Hello World Hello World Hello World Hello World "

func newEncoder(t *testing.T, opts ...httpcoding.Option) *httpcoding.Encoder {
	t.Helper()

	enc, err := httpcoding.NewEncoder(opts...)
	require.NoError(t, err)
	return enc
}

func runHandlerWhile(t *testing.T, handler http.Handler) string {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})

	return server.URL
}

// rawClient is a client that neither asks for nor decodes compressed responses on its own.
func rawClient(t *testing.T) *http.Client {
	t.Helper()

	transport := &http.Transport{
		DisableCompression: true,
	}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport}
}

func newRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	require.NoError(t, err)
	return req
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func encode(t *testing.T, enc codec.Encoding, data []byte) []byte {
	t.Helper()

	c, err := codec.Lookup(enc)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decode(t *testing.T, enc codec.Encoding, data []byte) []byte {
	t.Helper()

	c, err := codec.Lookup(enc)
	require.NoError(t, err)

	r, err := c.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return got
}

func requireReadAll(t *testing.T, rc io.ReadCloser, want string) {
	t.Helper()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, want, string(got))
}

// readTracker counts reads so tests can verify a body was never touched.
type readTracker struct {
	reads int
}

func (r *readTracker) Read(p []byte) (int, error) {
	r.reads++
	return strings.NewReader("unexpected").Read(p)
}

func (*readTracker) Close() error {
	return nil
}

type closingReader struct {
	closeFunc func() error
	reader    io.Reader
}

func (r *closingReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *closingReader) Close() error {
	if r.closeFunc == nil {
		return nil
	}
	return r.closeFunc()
}
