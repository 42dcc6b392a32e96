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

// Package bridge wires a pair of transport.Conn endpoints together through
// two internal cbuf.CBuf queues, one per direction, with an optional
// in-place cipher stage on whichever edge touches the RUDP side. It is the
// per-session data-plane core of the proxy.
package bridge

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/kyleaschmitt/parcel/internal/cbuf"
	"github.com/kyleaschmitt/parcel/internal/transport"
	"github.com/kyleaschmitt/parcel/internal/xcipher"
)

// scratchSize is the size of the local buffer each reader/writer goroutine
// uses to move bytes between a transport and a CBuf.
const scratchSize = 4096

// queueCapacity is the default CBuf size: 4x the RUDP buffer tunable, per
// the spec's guidance for a bounded circular buffer used as the internal
// queue.
const queueCapacity = 4 * transport.SockBufBytes

// Side identifies which endpoint of a Session sits on the RUDP transport,
// since that is the only edge the cipher stage ever touches.
type Side int

const (
	// RUDPIsA means conns.A is the RUDP endpoint and conns.B is TCP.
	RUDPIsA Side = iota
	// RUDPIsB means conns.B is the RUDP endpoint and conns.A is TCP.
	RUDPIsB
)

// Session bridges two transport endpoints for the life of one client
// connection. A is always the locally-accepted endpoint, B the
// remotely-dialed one; rudpSide says which of the two is the RUDP side.
type Session struct {
	A, B     transport.Conn
	rudpSide Side

	// Encryptor is applied in place after dequeuing from the queue feeding
	// the RUDP write direction, before SendAll. Decryptor is applied in
	// place on bytes freshly read from the RUDP side, before they are
	// enqueued. Either may be nil to run the session unencrypted.
	Encryptor *xcipher.XCipher
	Decryptor *xcipher.XCipher

	live atomic.Bool
}

// NewSession constructs a Session. rudpSide indicates whether a or b is the
// RUDP endpoint.
func NewSession(a, b transport.Conn, rudpSide Side, enc, dec *xcipher.XCipher) *Session {
	return &Session{A: a, B: b, rudpSide: rudpSide, Encryptor: enc, Decryptor: dec}
}

// Live reports whether the session currently has at least one pipeline
// running.
func (s *Session) Live() bool { return s.live.Load() }

// Run bridges the two endpoints until both directions have reached
// end-of-stream, then closes everything. It blocks until teardown is
// complete.
func (s *Session) Run() {
	s.live.Store(true)
	defer s.live.Store(false)

	qAB := cbuf.New(queueCapacity) // A -> B
	qBA := cbuf.New(queueCapacity) // B -> A

	// the RUDP boundary determines which queue's producer/consumer sees
	// the cipher applied.
	var decOnAB, encOnAB, decOnBA, encOnBA *xcipher.XCipher
	switch s.rudpSide {
	case RUDPIsA:
		// A->B: reading from RUDP (A) -> decrypt before enqueue.
		decOnAB = s.Decryptor
		// B->A: writing to RUDP (A) -> encrypt after dequeue.
		encOnBA = s.Encryptor
	case RUDPIsB:
		// A->B: writing to RUDP (B) -> encrypt after dequeue.
		encOnAB = s.Encryptor
		// B->A: reading from RUDP (B) -> decrypt before enqueue.
		decOnBA = s.Decryptor
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); reader(s.A, qAB, decOnAB) }()
	go func() { defer wg.Done(); writer(qAB, s.B, encOnAB) }()
	go func() { defer wg.Done(); reader(s.B, qBA, decOnBA) }()
	go func() { defer wg.Done(); writer(qBA, s.A, encOnBA) }()
	wg.Wait()

	s.A.Close()
	s.B.Close()
}

// reader loops: recv up to scratchSize bytes from src, optionally decrypt
// them in place, then blocking-write them to q. On src EOS it closes q and
// returns.
func reader(src transport.Conn, q *cbuf.CBuf, dec *xcipher.XCipher) {
	scratch := make([]byte, scratchSize)
	for {
		n, err := src.Recv(scratch)
		if n > 0 {
			chunk := scratch[:n]
			if dec != nil {
				dec.Transform(chunk)
			}
			if _, eos := q.Write(chunk); eos {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("bridge: transport error on read: %v", err)
			}
			q.Close()
			return
		}
	}
}

// writer loops: blocking-read from q, optionally encrypt in place, then
// SendAll to dst. On q close-and-empty it half-closes dst and returns.
func writer(q *cbuf.CBuf, dst transport.Conn, enc *xcipher.XCipher) {
	scratch := make([]byte, scratchSize)
	for {
		n, eos := q.Read(scratch)
		if n > 0 {
			chunk := scratch[:n]
			if enc != nil {
				enc.Transform(chunk)
			}
			if err := dst.SendAll(chunk); err != nil {
				if err != io.EOF {
					log.Printf("bridge: transport error on write: %v", err)
				}
				return
			}
		}
		if eos {
			dst.CloseSend()
			return
		}
	}
}
