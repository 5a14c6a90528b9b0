package packet_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/saveenergy/losstest/internal/packet"
	pkgerrors "github.com/saveenergy/losstest/pkg/errors"
)

func TestEncodeLengthMatchesSize(t *testing.T) {
	for _, size := range []int{packet.HeaderSize, 17, 64, 128, 1024, 1500, 9000, 65507} {
		buf, err := packet.Encode(42, size)
		if err != nil {
			t.Fatalf("Encode(size=%d): %v", size, err)
		}
		if len(buf) != size {
			t.Fatalf("Encode(size=%d) length = %d", size, len(buf))
		}
		if !bytes.Equal(buf[packet.HeaderSize:], make([]byte, size-packet.HeaderSize)) {
			t.Fatalf("Encode(size=%d) padding is not zero-filled", size)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sequences := []uint64{0, 1, 255, 1 << 31, 1<<63 + 7, ^uint64(0)}
	for _, seq := range sequences {
		before := packet.Now()
		buf, err := packet.Encode(seq, 64)
		if err != nil {
			t.Fatalf("Encode(%d): %v", seq, err)
		}
		got, err := packet.Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Sequence != seq {
			t.Fatalf("sequence = %d, want %d", got.Sequence, seq)
		}
		if got.SentAt < before || got.SentAt > packet.Now() {
			t.Fatalf("sent_at %v outside [%v, now]", got.SentAt, before)
		}
	}
}

func TestEncodeRejectsSizeBelowHeader(t *testing.T) {
	for _, size := range []int{-1, 0, 8, packet.HeaderSize - 1} {
		_, err := packet.Encode(1, size)
		if !errors.Is(err, pkgerrors.ErrInvalidSizeCode) {
			t.Fatalf("Encode(size=%d) err = %v, want INVALID_SIZE", size, err)
		}
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	for _, n := range []int{0, 1, 8, packet.HeaderSize - 1} {
		_, err := packet.Decode(make([]byte, n))
		if !errors.Is(err, pkgerrors.ErrMalformedPacketCode) {
			t.Fatalf("Decode(len=%d) err = %v, want MALFORMED_PACKET", n, err)
		}
	}
}

func TestEncodeIntoZeroesReusedBuffer(t *testing.T) {
	buf := bytes.Repeat([]byte{0xAA}, 32)
	if err := packet.EncodeInto(buf, 9, 5*time.Millisecond); err != nil {
		t.Fatalf("EncodeInto: %v", err)
	}
	got, err := packet.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Sequence != 9 || got.SentAt != 5*time.Millisecond {
		t.Fatalf("decoded %+v", got)
	}
	if !bytes.Equal(buf[packet.HeaderSize:], make([]byte, 32-packet.HeaderSize)) {
		t.Fatal("padding not cleared")
	}
}

func TestNowIsMonotonic(t *testing.T) {
	a := packet.Now()
	b := packet.Now()
	if b < a {
		t.Fatalf("Now went backwards: %v then %v", a, b)
	}
}
