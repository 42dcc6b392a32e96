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

// Package xcipher implements a banked, round-robin in-place symmetric
// cipher pipeline: a single key, N independent cipher contexts, and either
// an inline (synchronous) or pipelined (worker-pool) dispatch mode.
package xcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"
	"sync/atomic"
)

// Direction selects whether an XCipher instance encrypts or decrypts.
type Direction int

const (
	Encrypt Direction = iota
	Decrypt
)

// MaxContexts bounds the size of the cipher bank, matching the source's
// MAX_CRYPTO_THREADS.
const MaxContexts = 32

// streamFactory builds one cipher.Stream per bank context from a block
// cipher, key and IV. CTR mode is the default; cfbStream (selected by New's
// useCFB argument) is the documented fallback and must not be combined with a
// pipelined (N>1) bank, since CFB is stateful per context and pipelining it
// would split the data into N independent, non-reassemblable substreams.
type streamFactory func(block cipher.Block, iv []byte) cipher.Stream

func ctrStream(direction Direction) streamFactory {
	return func(block cipher.Block, iv []byte) cipher.Stream {
		return cipher.NewCTR(block, iv)
	}
}

func cfbStream(direction Direction) streamFactory {
	if direction == Encrypt {
		return func(block cipher.Block, iv []byte) cipher.Stream {
			return cipher.NewCFBEncrypter(block, iv)
		}
	}
	return func(block cipher.Block, iv []byte) cipher.Stream {
		return cipher.NewCFBDecrypter(block, iv)
	}
}

// work describes one Transform call dispatched to a pipelined worker.
type work struct {
	buf  []byte
	done chan struct{}
}

// XCipher is a bank of N independent cipher.Stream contexts sharing one
// key and IV. N<=1 is inline mode: Transform runs on the calling goroutine.
// N>=2 is pipelined mode: a pool of N workers, each bound to one context,
// performs the transform; the caller only blocks on the context it was
// routed to.
type XCipher struct {
	direction Direction
	streams   []cipher.Stream
	next      atomic.Uint32

	// pipelined mode only
	work []chan work
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an XCipher. key must be exactly 16 bytes (the spec's 128-bit
// AES key); iv must be exactly 16 bytes. n selects the bank width: n<=1
// means inline, n is clamped to [1, MaxContexts] otherwise. useCFB selects
// the CFB fallback mode instead of CTR; it is the caller's responsibility
// not to combine useCFB with n>1.
func New(direction Direction, key, iv []byte, n int, useCFB bool) (*XCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if n < 1 {
		n = 1
	}
	if n > MaxContexts {
		n = MaxContexts
	}

	var factory streamFactory
	if useCFB {
		factory = cfbStream(direction)
	} else {
		factory = ctrStream(direction)
	}

	x := &XCipher{direction: direction}
	x.streams = make([]cipher.Stream, n)
	for i := range x.streams {
		x.streams[i] = factory(block, iv)
	}

	if n >= 2 {
		x.work = make([]chan work, n)
		x.done = make(chan struct{})
		for i := range x.streams {
			x.work[i] = make(chan work)
			x.wg.Add(1)
			go x.runWorker(i)
		}
	}

	return x, nil
}

// runWorker is the state machine of one pipelined cipher worker: idle ->
// running -> idle, driven entirely by channel operations. It exits on
// Close, which is the shutdown signal the original source never provided.
func (x *XCipher) runWorker(i int) {
	defer x.wg.Done()
	stream := x.streams[i]
	for {
		select {
		case w := <-x.work[i]:
			stream.XORKeyStream(w.buf, w.buf)
			close(w.done)
		case <-x.done:
			return
		}
	}
}

// Transform performs an in-place transform of buf and returns the number of
// bytes transformed, which always equals len(buf): XORKeyStream transforms
// the whole buffer, so there is no partial result to check for.
func (x *XCipher) Transform(buf []byte) int {
	n := len(buf)
	if n == 0 {
		return 0
	}

	if x.work == nil {
		// inline mode: dispatch directly on the calling goroutine.
		i := int(x.next.Add(1)-1) % len(x.streams)
		x.streams[i].XORKeyStream(buf, buf)
		return n
	}

	i := int(x.next.Add(1)-1) % len(x.work)
	w := work{buf: buf, done: make(chan struct{})}
	x.work[i] <- w
	<-w.done
	return n
}

// Close shuts down any pipelined workers. It is a no-op in inline mode.
// Close must not be called concurrently with Transform.
func (x *XCipher) Close() {
	if x.done == nil {
		return
	}
	close(x.done)
	x.wg.Wait()
}
