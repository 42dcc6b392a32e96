// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package filerecv implements the specialized consumer that receives a
// file of known length from a connected RUDP socket, decrypting the stream
// in place and writing it to local storage block by block.
package filerecv

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kyleaschmitt/parcel/internal/transport"
	"github.com/kyleaschmitt/parcel/internal/xcipher"
)

// Stats exposes the receive progress for external observation, e.g. a
// polling status command. Downloaded is monotonically non-decreasing.
type Stats struct {
	downloaded atomic.Int64
	live       atomic.Bool
}

// Downloaded returns the number of bytes written to the file so far.
func (s *Stats) Downloaded() int64 { return s.downloaded.Load() }

// Live reports whether a Receive call is currently in progress.
func (s *Stats) Live() bool { return s.live.Load() }

// Receive reads exactly size bytes from conn in blocks of
// min(blockSize, size-received), decrypts each block in place with dec (if
// non-nil), and appends it to w. It returns the total number of bytes
// written, or an error on any read/write failure. stats may be nil.
func Receive(conn transport.Conn, dec *xcipher.XCipher, w io.Writer, size, blockSize int64, stats *Stats) (int64, error) {
	if stats == nil {
		stats = &Stats{}
	}
	stats.live.Store(true)
	defer stats.live.Store(false)

	if blockSize <= 0 {
		blockSize = size
	}

	block := make([]byte, blockSize)
	var received int64
	for received < size {
		want := blockSize
		if remaining := size - received; want > remaining {
			want = remaining
		}

		if err := recvExact(conn, block[:want]); err != nil {
			return received, errors.Wrap(err, "recvExact")
		}

		if dec != nil {
			dec.Transform(block[:want])
		}

		if _, err := w.Write(block[:want]); err != nil {
			return received, errors.Wrap(err, "write")
		}

		// received is the single running total; every read is offset by
		// it alone, never aliased with a call's own return value (see the
		// spec's note on a source variant that conflated the two).
		received += want
		stats.downloaded.Store(received)
	}

	return received, nil
}

// recvExact fills buf completely from conn, looping since a single Recv
// may return fewer bytes than requested even on a reliable transport.
func recvExact(conn transport.Conn, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := conn.Recv(buf[got:])
		got += n
		if err != nil {
			if err == io.EOF && got == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}
