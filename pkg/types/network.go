package types

import (
	"net"
	"strings"
)

// PathInfo records the local and remote endpoints of the test channel. With a
// proxy in play RemoteAddr is the proxy (or its UDP relay), not the target.
type PathInfo struct {
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	Proxied    bool   `json:"proxied"`
	IPv6       bool   `json:"ipv6"`
}

func NewPathInfo(local, remote net.Addr, proxied bool) *PathInfo {
	p := &PathInfo{Proxied: proxied}
	if local != nil {
		p.LocalAddr = local.String()
	}
	if remote != nil {
		p.RemoteAddr = remote.String()
	}
	p.IPv6 = strings.Contains(sanitizeIP(p.RemoteAddr), ":")
	return p
}

func sanitizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
