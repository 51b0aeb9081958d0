package main

import (
	"net"
	"net/http"
	"strings"
)

// isPrivateIP reports whether the address is loopback or RFC1918/ULA
// space, i.e. plausibly a trusted reverse proxy rather than the internet.
func isPrivateIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// clientAddress determines the caller's IP. The socket address wins;
// X-Real-IP overrides it only when the socket peer is private/loopback
// (a fronting proxy), so external callers cannot spoof it.
func clientAddress(req *http.Request) net.IP {
	sockAddr := req.RemoteAddr
	if host, _, err := net.SplitHostPort(sockAddr); err == nil {
		sockAddr = host
	}

	if realIP := req.Header.Get("X-Real-IP"); realIP != "" && isPrivateIP(sockAddr) {
		if ip := net.ParseIP(strings.TrimSpace(realIP)); ip != nil {
			return ip
		}
	}
	return net.ParseIP(sockAddr)
}

// ipToPair packs an IP into the two-word wire form: IPv6 split into
// upper/lower 64-bit halves, IPv4 as an IPv4-mapped IPv6 address
// (0xffff shifted in, occupying 48 bits of the lower word).
func ipToPair(ip net.IP) *IPAddress {
	if ip == nil {
		return nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		lower := uint64(0xffff)<<32 |
			uint64(ip4[0])<<24 | uint64(ip4[1])<<16 | uint64(ip4[2])<<8 | uint64(ip4[3])
		return &IPAddress{Upper: 0, Lower: lower}
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil
	}
	var upper, lower uint64
	for i := 0; i < 8; i++ {
		upper = upper<<8 | uint64(ip16[i])
		lower = lower<<8 | uint64(ip16[i+8])
	}
	return &IPAddress{Upper: upper, Lower: lower}
}

// passthroughAddress extracts the forwarded client address when the
// caller opted in via X-Sandstorm-Passthrough.
func passthroughAddress(req *http.Request) *IPAddress {
	for _, field := range strings.Split(req.Header.Get("X-Sandstorm-Passthrough"), ",") {
		if strings.TrimSpace(field) == "address" {
			return ipToPair(clientAddress(req))
		}
	}
	return nil
}

// parseAcceptLanguages splits an Accept-Language header into its ordered
// language tags, dropping quality weights.
func parseAcceptLanguages(header string) []string {
	if header == "" {
		return nil
	}
	var langs []string
	for _, part := range strings.Split(header, ",") {
		lang, _, _ := strings.Cut(part, ";")
		if lang = strings.TrimSpace(lang); lang != "" {
			langs = append(langs, lang)
		}
	}
	return langs
}
