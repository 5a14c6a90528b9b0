// Package packet defines the wire layout of a loss-test packet.
//
// Layout: Sequence(8) + SentAt(8) + zero padding up to the configured size,
// all integers big-endian. The echo server returns the bytes unmodified, so
// requests and replies share the layout.
package packet

import (
	"encoding/binary"
	"time"

	"github.com/saveenergy/losstest/pkg/errors"
)

// HeaderSize is the minimum encoded size: Sequence(8) + SentAt(8).
const HeaderSize = 16

// Packet is the decoded header of a test packet.
type Packet struct {
	Sequence uint64
	// SentAt is a reading of Now() taken just before transmission.
	SentAt time.Duration
}

// epoch anchors Now(). time.Since on a value from time.Now uses the
// monotonic clock reading, so wall-clock steps do not affect it.
var epoch = time.Now()

// Now returns the monotonic time elapsed since process start.
func Now() time.Duration {
	return time.Since(epoch)
}

// Encode builds a packet of exactly size bytes stamped with Now().
func Encode(sequence uint64, size int) ([]byte, error) {
	if size < HeaderSize {
		return nil, errors.ErrInvalidSize(size, HeaderSize)
	}
	buf := make([]byte, size)
	put(buf, sequence, Now())
	return buf, nil
}

// EncodeInto overwrites buf with a packet for sequence stamped with sentAt.
// Padding bytes are zeroed so reused buffers stay deterministic.
func EncodeInto(buf []byte, sequence uint64, sentAt time.Duration) error {
	if len(buf) < HeaderSize {
		return errors.ErrInvalidSize(len(buf), HeaderSize)
	}
	put(buf, sequence, sentAt)
	clear(buf[HeaderSize:])
	return nil
}

func put(buf []byte, sequence uint64, sentAt time.Duration) {
	binary.BigEndian.PutUint64(buf[0:8], sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(sentAt))
}

// Decode reads the header of a received packet. Padding is ignored.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, errors.ErrMalformedPacket(len(data), HeaderSize)
	}
	return Packet{
		Sequence: binary.BigEndian.Uint64(data[0:8]),
		SentAt:   time.Duration(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}
