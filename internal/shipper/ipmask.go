package shipper

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// IP obfuscation methods.
const (
	IPMask = "mask"
	IPHash = "hash"
)

var DefaultIPFields = []string{"ip", "ip_address", "client_ip", "remote_addr"}

// IPObfuscator rewrites IP addresses held in selected context fields.
type IPObfuscator struct {
	method string
	salt   string
	fields map[string]struct{}
}

// NewIPObfuscator returns nil when method is neither mask nor hash.
func NewIPObfuscator(method, salt string, fields []string) *IPObfuscator {
	method = strings.ToLower(strings.TrimSpace(method))
	if method != IPMask && method != IPHash {
		return nil
	}
	if len(fields) == 0 {
		fields = DefaultIPFields
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return &IPObfuscator{method: method, salt: salt, fields: set}
}

// Obfuscate rewrites one address. Input that does not parse as an IP is
// returned unchanged.
func (o *IPObfuscator) Obfuscate(ip string) string {
	if o == nil || ip == "" {
		return ip
	}
	switch o.method {
	case IPMask:
		return maskIP(ip)
	case IPHash:
		return hashIP(ip, o.salt)
	}
	return ip
}

// Map returns a copy of m with configured fields obfuscated, at any depth.
func (o *IPObfuscator) Map(m map[string]any) map[string]any {
	if o == nil || m == nil {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			out[k] = o.Map(x)
		case string:
			if _, ok := o.fields[strings.ToLower(k)]; ok {
				out[k] = o.Obfuscate(x)
			} else {
				out[k] = x
			}
		default:
			out[k] = v
		}
	}
	return out
}

func maskIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.Zone() != "" {
		return s
	}
	if addr.Is4() {
		b := addr.As4()
		b[3] = 0
		return netip.AddrFrom4(b).String()
	}
	if addr.Is4In6() {
		return s
	}
	p, err := addr.Prefix(64)
	if err != nil {
		return s
	}
	return p.Addr().String()
}

func hashIP(s, salt string) string {
	if _, err := netip.ParseAddr(s); err != nil {
		return s
	}
	sum := sha256.Sum256([]byte(salt + s))
	return "ip_" + hex.EncodeToString(sum[:])[:16]
}
