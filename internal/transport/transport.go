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

// Package transport adapts RUDP (kcp-go) and TCP connections to a single
// uniform "read up to N / write exactly N / close" shape with a common
// end-of-stream convention, so the bridge never has to special-case either
// transport's error model.
package transport

import (
	"errors"
	"io"
	"net"

	pkgerrors "github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Tunables for the RUDP socket. MSS and SockBufBytes are the fixed values
// ConfigureRUDP applies to every session regardless of direction;
// ListenBacklog is not passed to either listener.
const (
	MSS           = 8400
	SockBufBytes  = 64 * 1024 * 1024
	ListenBacklog = 10
)

// Conn is the uniform shape both transport adapters present to the bridge.
type Conn interface {
	// Recv reads between 1 and len(buf) bytes, or returns io.EOF once the
	// peer has cleanly closed its side.
	Recv(buf []byte) (int, error)
	// SendAll writes every byte of buf, looping internally as needed.
	SendAll(buf []byte) error
	// CloseSend half-closes the write direction where the transport
	// supports it (TCP), letting the reverse pipeline keep draining
	// pending responses per the spec's graceful half-close scenario. On a
	// transport with no half-close primitive (RUDP), it fully closes.
	CloseSend() error
	// Close fully closes the connection.
	Close() error
}

// RUDPConn wraps a connected kcp-go session.
type RUDPConn struct {
	Sess *kcp.UDPSession
}

// NewRUDPConn configures sess with the bridge's fixed socket tunables and
// wraps it.
func NewRUDPConn(sess *kcp.UDPSession) *RUDPConn {
	ConfigureRUDP(sess)
	return &RUDPConn{Sess: sess}
}

// ConfigureRUDP applies the session's maximum segment size and socket
// buffer tunables (see spec's External Interfaces). Stream mode is enabled
// since the bridge treats RUDP as a plain byte stream, never a message
// transport.
func ConfigureRUDP(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetMtu(MSS)
	if err := sess.SetReadBuffer(SockBufBytes); err != nil {
		_ = err // best effort; not every platform honors this
	}
	if err := sess.SetWriteBuffer(SockBufBytes); err != nil {
		_ = err
	}
}

func (c *RUDPConn) Recv(buf []byte) (int, error) {
	n, err := c.Sess.Read(buf)
	if err != nil {
		return n, mapRUDPError(err)
	}
	return n, nil
}

func (c *RUDPConn) SendAll(buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := c.Sess.Write(buf[sent:])
		if err != nil {
			return mapRUDPError(err)
		}
		sent += n
	}
	return nil
}

func (c *RUDPConn) Close() error {
	return c.Sess.Close()
}

// CloseSend has no half-close equivalent on a kcp-go session, so it closes
// the session outright.
func (c *RUDPConn) CloseSend() error {
	return c.Sess.Close()
}

// mapRUDPError collapses kcp-go's "session closed" / "broken pipe" style
// errors into io.EOF, the silent end-of-stream the spec requires; every
// other error is reported as-is so the bridge can log it once per session.
func mapRUDPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	switch err.Error() {
	case "broken pipe", "session closed", "use of closed network connection":
		return io.EOF
	default:
		return err
	}
}

// TCPConn wraps a *net.TCPConn.
type TCPConn struct {
	Conn *net.TCPConn
}

// NewTCPConn wraps an already-connected TCP connection.
func NewTCPConn(conn *net.TCPConn) *TCPConn {
	return &TCPConn{Conn: conn}
}

func (c *TCPConn) Recv(buf []byte) (int, error) {
	n, err := c.Conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

func (c *TCPConn) SendAll(buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := c.Conn.Write(buf[sent:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		sent += n
	}
	return nil
}

// CloseSend half-closes the write side (sends FIN) so the reverse
// pipeline can keep reading pending responses from the peer.
func (c *TCPConn) CloseSend() error {
	return c.Conn.CloseWrite()
}

func (c *TCPConn) Close() error {
	return c.Conn.Close()
}

// DialRemoteTCP connects to a remote TCP target, wrapping dial failures
// with call-site context.
func DialRemoteTCP(addr string) (*TCPConn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ResolveTCPAddr")
	}
	conn, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "DialTCP")
	}
	return NewTCPConn(conn), nil
}

// DialRemoteRUDP connects to a remote RUDP target.
func DialRemoteRUDP(addr string, block kcp.BlockCrypt, dataShard, parityShard int) (*RUDPConn, error) {
	sess, err := kcp.DialWithOptions(addr, block, dataShard, parityShard)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kcp.DialWithOptions")
	}
	return NewRUDPConn(sess), nil
}
