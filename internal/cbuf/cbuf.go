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

// Package cbuf implements a fixed-capacity, blocking circular byte buffer
// used to decouple a session's reader and writer goroutines.
package cbuf

import "sync"

// CBuf is a bounded, thread-safe circular byte queue with blocking and
// non-blocking Read/Write. One slot of the underlying array is always kept
// empty so that begin == end is unambiguous (buffer empty), matching the
// "has_space <=> capacity - size > 1" invariant of the original queue.
type CBuf struct {
	mu         sync.Mutex
	dataAvail  *sync.Cond
	spaceAvail *sync.Cond

	data   []byte
	begin  int
	end    int
	size   int
	closed bool
}

// New creates a CBuf with the given capacity in bytes. capacity must be at
// least 2, since one slot is always reserved.
func New(capacity int) *CBuf {
	if capacity < 2 {
		capacity = 2
	}
	b := &CBuf{data: make([]byte, capacity)}
	b.dataAvail = sync.NewCond(&b.mu)
	b.spaceAvail = sync.NewCond(&b.mu)
	return b
}

// Capacity returns the total capacity of the buffer in bytes.
func (b *CBuf) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Size returns the number of bytes currently buffered.
func (b *CBuf) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// HasSpace reports whether at least one more byte may be written.
func (b *CBuf) HasSpace() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasSpaceLocked()
}

func (b *CBuf) hasSpaceLocked() bool {
	return len(b.data)-b.size > 1
}

// Close idempotently closes the buffer. Any blocked Read or Write
// immediately wakes: Write starts returning eos, Read continues draining
// remaining buffered bytes and then reports eos once empty.
func (b *CBuf) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.dataAvail.Broadcast()
	b.spaceAvail.Broadcast()
}

// Closed reports whether Close has been called.
func (b *CBuf) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// WriteNonblocking writes as many of the given bytes as currently fit,
// without blocking. It returns the number of bytes written and whether the
// queue is closed (in which case no bytes are accepted).
func (b *CBuf) WriteNonblocking(p []byte) (n int, eos bool) {
	if len(p) == 0 {
		return 0, false
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, true
	}

	toWrite := len(p)
	if free := len(b.data) - b.size - 1; toWrite > free {
		toWrite = free
	}
	if toWrite == 0 {
		b.mu.Unlock()
		return 0, false
	}

	tail := len(b.data) - b.end
	if toWrite <= tail {
		copy(b.data[b.end:], p[:toWrite])
	} else {
		copy(b.data[b.end:], p[:tail])
		copy(b.data, p[tail:toWrite])
	}
	b.end = (b.end + toWrite) % len(b.data)
	b.size += toWrite
	b.mu.Unlock()

	b.dataAvail.Signal()
	return toWrite, false
}

// Write blocks until all of p has been written, or the queue is closed
// first. It returns the number of bytes written (< len(p) only when eos is
// true) and whether the queue closed before completion.
func (b *CBuf) Write(p []byte) (n int, eos bool) {
	for n < len(p) {
		b.mu.Lock()
		for !b.closed && !b.hasSpaceLocked() {
			b.spaceAvail.Wait()
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return n, true
		}

		wrote, _ := b.WriteNonblocking(p[n:])
		n += wrote
	}
	return n, false
}

// ReadNonblocking reads up to len(p) bytes without blocking. It returns 0
// bytes and eos=false if nothing is currently available on an open queue.
func (b *CBuf) ReadNonblocking(p []byte) (n int, eos bool) {
	if len(p) == 0 {
		return 0, false
	}
	b.mu.Lock()
	if b.size == 0 {
		closed := b.closed
		b.mu.Unlock()
		return 0, closed
	}

	toRead := len(p)
	if toRead > b.size {
		toRead = b.size
	}
	tail := len(b.data) - b.begin
	if toRead <= tail {
		copy(p, b.data[b.begin:b.begin+toRead])
	} else {
		copy(p, b.data[b.begin:])
		copy(p[tail:], b.data[:toRead-tail])
	}
	b.begin = (b.begin + toRead) % len(b.data)
	b.size -= toRead
	b.mu.Unlock()

	b.spaceAvail.Signal()
	return toRead, false
}

// Read blocks until at least one byte is available or the queue is closed
// and drained, then returns between 1 and len(p) bytes. Partial reads are
// normal. eos is true only once the queue is closed and no bytes remain.
func (b *CBuf) Read(p []byte) (n int, eos bool) {
	b.mu.Lock()
	for b.size == 0 && !b.closed {
		b.dataAvail.Wait()
	}
	if b.size == 0 && b.closed {
		b.mu.Unlock()
		return 0, true
	}
	b.mu.Unlock()

	return b.ReadNonblocking(p)
}
