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

package codec

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errAborted = errors.New("codec: decompressor closed")

// Decompressor is a push-style decompressor. Feed returns the plaintext that became
// available after consuming p, which may lag behind the input. Finish returns the rest
// and fails with [ErrCorrupt] if the stream was incomplete. After an error no further
// output is produced.
//
// Close releases the decompressor without finishing it, discarding buffered output.
type Decompressor interface {
	Feed(p []byte) ([]byte, error)
	Finish() ([]byte, error)
	Close() error
}

// NewDecompressor returns a fresh decompressor for enc.
//
// The decoder runs on its own goroutine, which exits only once Finish or Close has been
// called. Callers must call one of them, typically by deferring Close, or the goroutine
// leaks. Close after Finish is a no-op.
func NewDecompressor(enc Encoding) (Decompressor, error) {
	c, err := Lookup(enc)
	if err != nil {
		return nil, err
	}
	return newDecompressor(c), nil
}

// decompressor adapts a pull-style reader to the push interface. The library reader
// runs on its own goroutine and pulls input from a hand-off source; Feed blocks until
// the fed chunk has been fully consumed, so no input is queued beyond that chunk.
type decompressor struct {
	in   chan []byte
	need chan struct{}
	quit chan struct{}
	done chan struct{}

	mu  sync.Mutex
	out bytes.Buffer
	err error

	closeOnce sync.Once
	inClosed  bool
	finished  bool
	fed       bool
}

func newDecompressor(c Codec) *decompressor {
	d := &decompressor{
		in:   make(chan []byte),
		need: make(chan struct{}),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run(c)
	return d
}

func (d *decompressor) run(c Codec) {
	defer close(d.done)

	src := &handoffSource{d: d}
	zr, err := c.NewReader(src)
	if errors.Is(err, io.EOF) {
		// no input at all decodes to nothing.
		return
	}
	if err != nil {
		d.fail(err)
		return
	}
	defer zr.Close()

	buf := make([]byte, DefaultChunkSize)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.out.Write(buf[:n])
			d.mu.Unlock()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			d.fail(err)
			return
		}
	}
}

func (d *decompressor) fail(err error) {
	if errors.Is(err, errAborted) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = corrupt(err)
	}
	d.out.Reset()
}

func (d *decompressor) Feed(p []byte) ([]byte, error) {
	if d.finished {
		return nil, errFinished
	}
	if len(p) == 0 {
		return d.take()
	}
	d.fed = true

	select {
	case d.in <- p:
	case <-d.done:
		return d.take()
	}

	// wait until the reader has consumed p and is asking for more.
	select {
	case <-d.need:
	case <-d.done:
	}
	return d.take()
}

func (d *decompressor) Finish() ([]byte, error) {
	if d.finished {
		return nil, errFinished
	}
	d.finished = true
	if !d.fed {
		// an empty input decodes to an empty output for every format.
		return nil, d.Close()
	}
	d.closeInput()
	<-d.done

	out, err := d.take()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *decompressor) Close() error {
	d.closeOnce.Do(func() { close(d.quit) })
	<-d.done
	d.mu.Lock()
	d.out.Reset()
	d.mu.Unlock()
	return nil
}

func (d *decompressor) closeInput() {
	if !d.inClosed {
		d.inClosed = true
		close(d.in)
	}
}

func (d *decompressor) take() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.out.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(d.out.Bytes())
	d.out.Reset()
	return out, nil
}

// handoffSource is the io.Reader the library reader pulls compressed input from.
type handoffSource struct {
	d       *decompressor
	cur     []byte
	started bool
	eof     bool
}

func (s *handoffSource) Read(p []byte) (int, error) {
	if len(s.cur) == 0 {
		if s.eof {
			return 0, io.ErrUnexpectedEOF
		}
		if s.started {
			select {
			case s.d.need <- struct{}{}:
			case <-s.d.quit:
				return 0, errAborted
			}
		}
		s.started = true

		select {
		case chunk, ok := <-s.d.in:
			if !ok {
				s.eof = true
				return 0, io.EOF
			}
			s.cur = chunk
		case <-s.d.quit:
			return 0, errAborted
		}
	}

	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}
