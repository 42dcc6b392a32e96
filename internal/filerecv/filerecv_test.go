package filerecv

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/kyleaschmitt/parcel/internal/xcipher"
)

// fakeConn is an in-memory transport.Conn that serves a fixed byte slice in
// caller-chosen chunk sizes, standing in for a connected RUDP socket.
type fakeConn struct {
	data       []byte
	off        int
	chunkLimit int
}

func (f *fakeConn) Recv(buf []byte) (int, error) {
	n := len(buf)
	if n > f.chunkLimit {
		n = f.chunkLimit
	}
	if n > len(f.data)-f.off {
		n = len(f.data) - f.off
	}
	copy(buf, f.data[f.off:f.off+n])
	f.off += n
	return n, nil
}

func (f *fakeConn) SendAll(buf []byte) error { panic("not used") }
func (f *fakeConn) CloseSend() error         { return nil }
func (f *fakeConn) Close() error             { return nil }

func TestReceiveExactSizeAndContent(t *testing.T) {
	const size = 10 * 1024 * 1024
	const block = 1024 * 1024

	key := bytes.Repeat([]byte{0x05}, 16)
	iv := make([]byte, 16)
	enc, err := xcipher.New(xcipher.Encrypt, key, iv, 1, false)
	if err != nil {
		t.Fatalf("New enc: %v", err)
	}
	dec, err := xcipher.New(xcipher.Decrypt, key, iv, 1, false)
	if err != nil {
		t.Fatalf("New dec: %v", err)
	}
	defer dec.Close()

	plain := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(plain)
	cipherText := make([]byte, size)
	copy(cipherText, plain)
	enc.Transform(cipherText)
	enc.Close()

	conn := &fakeConn{data: cipherText, chunkLimit: 65536}
	var out bytes.Buffer
	stats := &Stats{}

	n, err := Receive(conn, dec, &out, size, block, stats)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != size {
		t.Fatalf("Receive returned %d, want %d", n, size)
	}
	if stats.Downloaded() != size {
		t.Fatalf("Downloaded = %d, want %d", stats.Downloaded(), size)
	}
	if stats.Live() {
		t.Fatalf("Live should be false after Receive returns")
	}
	if !bytes.Equal(out.Bytes(), plain) {
		t.Fatalf("decrypted content mismatch")
	}
}

func TestReceiveNoEncryption(t *testing.T) {
	const size = 4096
	plain := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(plain)

	conn := &fakeConn{data: plain, chunkLimit: 777}
	var out bytes.Buffer
	n, err := Receive(conn, nil, &out, size, 1024, nil)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n != size || !bytes.Equal(out.Bytes(), plain) {
		t.Fatalf("mismatch: n=%d", n)
	}
}

func TestReceiveMonotonicProgress(t *testing.T) {
	const size = 3 * 4096
	conn := &fakeConn{data: make([]byte, size), chunkLimit: 100}
	var out bytes.Buffer
	stats := &Stats{}

	done := make(chan struct{})
	var seen []int64
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			seen = append(seen, stats.Downloaded())
		}
	}()

	if _, err := Receive(conn, nil, &out, size, 4096, stats); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	close(done)

	var last int64
	for _, v := range seen {
		if v < last {
			t.Fatalf("downloaded went backwards: %d after %d", v, last)
		}
		last = v
	}
}
