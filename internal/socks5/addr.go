package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// AppendAddr appends ATYP, DST.ADDR and DST.PORT for host:port to b.
// IP literals use the IPv4 or IPv6 form; anything else is sent as a domain
// name for the proxy to resolve.
func AppendAddr(b []byte, host string, port int) ([]byte, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range", port)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, AtypIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, AtypIPv6)
			b = append(b, ip.To16()...)
		}
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("invalid domain name length %d", len(host))
		}
		b = append(b, AtypDomain, byte(len(host)))
		b = append(b, host...)
	}
	return binary.BigEndian.AppendUint16(b, uint16(port)), nil
}

// AppendHostPort is AppendAddr for a "host:port" string.
func AppendHostPort(b []byte, address string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}
	return AppendAddr(b, host, port)
}

// ReadAddr reads ATYP, address and port from r.
func ReadAddr(r io.Reader) (host string, port int, err error) {
	var atyp [1]byte
	if _, err = io.ReadFull(r, atyp[:]); err != nil {
		return "", 0, err
	}

	switch atyp[0] {
	case AtypIPv4:
		var raw [net.IPv4len + 2]byte
		if _, err = io.ReadFull(r, raw[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(raw[:net.IPv4len]).String()
		port = int(binary.BigEndian.Uint16(raw[net.IPv4len:]))
	case AtypIPv6:
		var raw [net.IPv6len + 2]byte
		if _, err = io.ReadFull(r, raw[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(raw[:net.IPv6len]).String()
		port = int(binary.BigEndian.Uint16(raw[net.IPv6len:]))
	case AtypDomain:
		var l [1]byte
		if _, err = io.ReadFull(r, l[:]); err != nil {
			return "", 0, err
		}
		raw := make([]byte, int(l[0])+2)
		if _, err = io.ReadFull(r, raw); err != nil {
			return "", 0, err
		}
		host = string(raw[:l[0]])
		port = int(binary.BigEndian.Uint16(raw[l[0]:]))
	default:
		return "", 0, fmt.Errorf("unsupported address type 0x%02x", atyp[0])
	}
	return host, port, nil
}

// udpHeaderLen returns the length of the UDP relay header at the start of b
// (RSV(2) FRAG(1) ATYP(1) ADDR PORT(2)), or -1 if b is too short.
func udpHeaderLen(b []byte) int {
	if len(b) < 4 {
		return -1
	}
	n := 4
	switch b[3] {
	case AtypIPv4:
		n += net.IPv4len
	case AtypIPv6:
		n += net.IPv6len
	case AtypDomain:
		if len(b) < 5 {
			return -1
		}
		n += 1 + int(b[4])
	default:
		return -1
	}
	n += 2
	if len(b) < n {
		return -1
	}
	return n
}

// UDPHeader builds the relay header that prefixes every datagram sent to
// address through a UDP association.
func UDPHeader(address string) ([]byte, error) {
	return AppendHostPort([]byte{0x00, 0x00, 0x00}, address)
}

// SplitUDPDatagram separates a relayed datagram into its header fields and
// payload. ok is false for truncated or unparseable datagrams.
func SplitUDPDatagram(b []byte) (frag byte, payload []byte, ok bool) {
	n := udpHeaderLen(b)
	if n < 0 {
		return 0, nil, false
	}
	return b[2], b[n:], true
}
