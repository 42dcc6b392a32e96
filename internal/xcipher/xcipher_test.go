package xcipher

import (
	"bytes"
	"math/rand"
	"testing"
)

func roundTrip(t *testing.T, n int, chunkSizes []int) {
	t.Helper()
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := make([]byte, 16)

	enc, err := New(Encrypt, key, iv, n, false)
	if err != nil {
		t.Fatalf("New(encrypt): %v", err)
	}
	defer enc.Close()
	dec, err := New(Decrypt, key, iv, n, false)
	if err != nil {
		t.Fatalf("New(decrypt): %v", err)
	}
	defer dec.Close()

	total := 0
	for _, c := range chunkSizes {
		total += c
	}
	plain := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(plain)

	work := make([]byte, total)
	copy(work, plain)

	off := 0
	for _, c := range chunkSizes {
		got := enc.Transform(work[off : off+c])
		if got != c {
			t.Fatalf("Transform returned %d, want %d", got, c)
		}
		off += c
	}

	off = 0
	for _, c := range chunkSizes {
		dec.Transform(work[off : off+c])
		off += c
	}

	if !bytes.Equal(work, plain) {
		t.Fatalf("round trip mismatch for n=%d chunks=%v", n, chunkSizes)
	}
}

func TestRoundTripInline(t *testing.T) {
	roundTrip(t, 1, []int{11})
	roundTrip(t, 0, []int{1, 2, 3, 500, 4096, 1})
}

func TestRoundTripPipelinedSingleContextStream(t *testing.T) {
	// With n>=2 but every Transform call issued sequentially and in order,
	// each context still advances its own CTR keystream deterministically;
	// using n=1-equivalent framing (one call per context in round robin)
	// keeps this a valid whole-stream round trip only when every call in
	// encrypt is mirrored call-for-call in decrypt, which is what we do
	// here.
	roundTrip(t, 4, []int{4096, 4096, 4096, 4096, 4096, 4096, 4096, 4096})
}

func TestTransformLengthPreservation(t *testing.T) {
	key := bytes.Repeat([]byte{0x02}, 16)
	iv := make([]byte, 16)
	x, err := New(Encrypt, key, iv, 8, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer x.Close()

	for _, size := range []int{0, 1, 15, 16, 17, 65536} {
		buf := make([]byte, size)
		if got := x.Transform(buf); got != size {
			t.Fatalf("Transform(%d bytes) = %d", size, got)
		}
	}
}

func TestCloseStopsWorkers(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 16)
	iv := make([]byte, 16)
	x, err := New(Encrypt, key, iv, 4, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	x.Transform(make([]byte, 16))
	x.Close()
}
