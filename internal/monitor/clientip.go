package monitor

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver picks the address a request is accounted to. Forwarding
// headers are honoured only when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trustProxyHeaders bool
	trustedProxyNets  []*net.IPNet
}

func NewClientIPResolver(trustProxyHeaders bool, trustedCIDRs []string) *ClientIPResolver {
	return &ClientIPResolver{
		trustProxyHeaders: trustProxyHeaders,
		trustedProxyNets:  parseTrustedProxyCIDRs(trustedCIDRs),
	}
}

func (r *ClientIPResolver) FromRequest(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if !r.trustProxyHeaders || !r.isTrustedProxy(remoteIP) {
		return ipString(remoteIP)
	}

	if clientIP := r.rightmostUntrustedIP(req.Header.Get("X-Forwarded-For")); clientIP != nil {
		return ipString(clientIP)
	}
	if clientIP := parseHeaderIP(req.Header.Get("X-Real-IP")); clientIP != nil {
		return ipString(clientIP)
	}
	return ipString(remoteIP)
}

// rightmostUntrustedIP walks X-Forwarded-For from right to left and returns
// the first entry that is not a trusted proxy.
func (r *ClientIPResolver) rightmostUntrustedIP(xff string) net.IP {
	if xff == "" {
		return nil
	}
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := parseHeaderIP(parts[i])
		if ip == nil || r.isTrustedProxy(ip) {
			continue
		}
		return ip
	}
	return nil
}

func (r *ClientIPResolver) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range r.trustedProxyNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTrustedProxyCIDRs(cidrs []string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, entry := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(entry))
		if err == nil && network != nil {
			networks = append(networks, network)
		}
	}
	return networks
}

func parseRemoteIP(remoteAddr string) net.IP {
	if remoteAddr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return parseHeaderIP(host)
	}
	return parseHeaderIP(remoteAddr)
}

func parseHeaderIP(value string) net.IP {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return nil
	}
	clean = strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(clean); err == nil {
		return net.ParseIP(host)
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}
