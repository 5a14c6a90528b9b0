package transport

import (
	"errors"
	"io"
	"net"
	"syscall"

	pkgerrors "github.com/saveenergy/losstest/pkg/errors"
)

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRefused reports whether err is an ICMP port-unreachable surfaced on a
// connected UDP socket.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isReset(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// classify maps peer-closed conditions to CONNECTION_RESET and leaves
// timeouts and already classified errors untouched.
func classify(err error) error {
	if err == nil || IsTimeout(err) {
		return err
	}
	if pkgerrors.Code(err) != "" {
		return err
	}
	if isReset(err) {
		return pkgerrors.ErrConnectionReset(err)
	}
	return err
}
