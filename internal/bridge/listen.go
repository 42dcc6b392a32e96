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

package bridge

import (
	"log"
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/kyleaschmitt/parcel/internal/transport"
	"github.com/kyleaschmitt/parcel/internal/xcipher"
)

// CipherConfig carries everything needed to build the encryptor/decryptor
// pair for a newly accepted session. A nil CipherConfig (or Key == nil)
// means the session runs unencrypted.
type CipherConfig struct {
	Key    []byte // first 16 bytes used
	IV     []byte // first 16 bytes used, defaults to all-zero
	Procs  int    // cipher bank width N; <=1 is inline mode
	UseCFB bool
}

func (c *CipherConfig) buildPair() (enc, dec *xcipher.XCipher, err error) {
	if c == nil || len(c.Key) == 0 {
		return nil, nil, nil
	}
	key := c.Key
	if len(key) > 16 {
		key = key[:16]
	}
	iv := c.IV
	if len(iv) == 0 {
		iv = make([]byte, 16)
	} else if len(iv) > 16 {
		iv = iv[:16]
	}

	enc, err = xcipher.New(xcipher.Encrypt, key, iv, c.Procs, c.UseCFB)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build encryptor")
	}
	dec, err = xcipher.New(xcipher.Decrypt, key, iv, c.Procs, c.UseCFB)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build decryptor")
	}
	return enc, dec, nil
}

// KCPOptions configures the RUDP transport's error-correction parameters,
// separate from CipherConfig since they apply even when encryption is off.
type KCPOptions struct {
	DataShard   int
	ParityShard int
}

func (o KCPOptions) shards() (int, int) {
	if o.DataShard == 0 && o.ParityShard == 0 {
		return 10, 3
	}
	return o.DataShard, o.ParityShard
}

// StartR2T listens on a local RUDP address and forwards each accepted
// session to a remote TCP endpoint. It returns only if the listener cannot
// be set up; accept errors are logged and the accept loop continues.
func StartR2T(localAddr, remoteAddr string, cipherCfg *CipherConfig, kcpOpts KCPOptions) error {
	ds, ps := kcpOpts.shards()

	// kcp-go's own BlockCrypt parameter is left nil: the bridge's XCipher
	// stage runs above the transport in Session.Run, and stacking a second
	// cipher here would double-encrypt the stream for no benefit.
	lis, err := kcp.ListenWithOptions(localAddr, nil, ds, ps)
	if err != nil {
		return errors.Wrap(err, "kcp.ListenWithOptions")
	}
	defer lis.Close()
	log.Println("bridge: r2t listening on", localAddr, "-> tcp", remoteAddr)

	for {
		sess, err := lis.AcceptKCP()
		if err != nil {
			log.Println("bridge: accept error:", err)
			continue
		}
		go func() {
			rudp := transport.NewRUDPConn(sess)
			tcp, err := transport.DialRemoteTCP(remoteAddr)
			if err != nil {
				log.Println("bridge: dial remote tcp:", err)
				rudp.Close()
				return
			}
			enc, dec, err := cipherCfg.buildPair()
			if err != nil {
				log.Println("bridge: cipher setup:", err)
				rudp.Close()
				tcp.Close()
				return
			}
			session := NewSession(rudp, tcp, RUDPIsA, enc, dec)
			session.Run()
			if enc != nil {
				enc.Close()
			}
			if dec != nil {
				dec.Close()
			}
		}()
	}
}

// StartT2R listens on a local TCP address and forwards each accepted
// session to a remote RUDP endpoint. It returns only if the listener cannot
// be set up; accept errors are logged and the accept loop continues.
func StartT2R(localAddr, remoteAddr string, cipherCfg *CipherConfig, kcpOpts KCPOptions) error {
	ds, ps := kcpOpts.shards()

	addr, err := net.ResolveTCPAddr("tcp", localAddr)
	if err != nil {
		return errors.Wrap(err, "ResolveTCPAddr")
	}
	lis, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "ListenTCP")
	}
	defer lis.Close()
	log.Println("bridge: t2r listening on", localAddr, "-> rudp", remoteAddr)

	for {
		conn, err := lis.AcceptTCP()
		if err != nil {
			log.Println("bridge: accept error:", err)
			continue
		}
		go func() {
			tcp := transport.NewTCPConn(conn)
			rudp, err := transport.DialRemoteRUDP(remoteAddr, nil, ds, ps)
			if err != nil {
				log.Println("bridge: dial remote rudp:", err)
				tcp.Close()
				return
			}
			enc, dec, err := cipherCfg.buildPair()
			if err != nil {
				log.Println("bridge: cipher setup:", err)
				tcp.Close()
				rudp.Close()
				return
			}
			session := NewSession(tcp, rudp, RUDPIsB, enc, dec)
			session.Run()
			if enc != nil {
				enc.Close()
			}
			if dec != nil {
				dec.Close()
			}
		}()
	}
}
