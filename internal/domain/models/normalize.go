package models

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"net/url"
	"strings"
)

// Fingerprint is the content address of a (kind, normalized value) pair
type Fingerprint [sha256.Size]byte

// Hex returns the lowercase hex encoding
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// ComputeFingerprint hashes kind || 0x00 || value. Callers pass a normalized value.
func ComputeFingerprint(kind IndicatorKind, value string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(value))
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

var refang = strings.NewReplacer(
	"[.]", ".",
	"(.)", ".",
	"{.}", ".",
	"[dot]", ".",
	"[:]", ":",
	"[at]", "@",
	"[@]", "@",
)

// Normalize returns the canonical value for kind. It never fails and
// Normalize(k, Normalize(k, v)) == Normalize(k, v).
func Normalize(kind IndicatorKind, raw string) string {
	v := raw
	// Defanged input can nest ("[[.].]"), so iterate to a fixed point. A
	// changing pass removes at least one byte, which bounds the loop.
	for i := 0; i <= len(raw)+1; i++ {
		n := normalizeOnce(kind, v)
		if n == v {
			break
		}
		v = n
	}
	return v
}

func normalizeOnce(kind IndicatorKind, raw string) string {
	v := strings.TrimSpace(raw)
	switch kind {
	case KindDomain:
		return normalizeDomain(v)
	case KindEmail:
		return strings.ToLower(refang.Replace(v))
	case KindIP:
		return normalizeIP(v)
	case KindCIDR:
		return normalizeCIDR(v)
	case KindHash, KindCertFingerprint:
		return normalizeHex(v)
	case KindURL:
		return normalizeURL(v)
	case KindASN:
		return normalizeASN(v)
	default:
		return v
	}
}

func normalizeDomain(v string) string {
	v = strings.ToLower(refang.Replace(v))
	for strings.HasPrefix(v, "*.") {
		v = v[2:]
	}
	return strings.TrimRight(v, ".")
}

func normalizeIP(v string) string {
	v = refang.Replace(v)
	v = strings.Trim(v, "[]")
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	// host:port forms
	if ap, err := netip.ParseAddrPort(v); err == nil {
		return ap.Addr().Unmap().String()
	}
	return strings.ToLower(v)
}

func normalizeCIDR(v string) string {
	v = refang.Replace(v)
	if p, err := netip.ParsePrefix(v); err == nil {
		addr := p.Addr().Unmap()
		bits := p.Bits()
		if p.Addr().Is4In6() && bits >= 96 {
			bits -= 96
		}
		if np, err := addr.Prefix(bits); err == nil {
			return np.String()
		}
		return p.Masked().String()
	}
	if addr, err := netip.ParseAddr(v); err == nil {
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()).String()
	}
	return strings.ToLower(v)
}

func normalizeHex(v string) string {
	v = strings.ToLower(v)
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch r {
		case ':', ' ', '\t', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeASN(v string) string {
	u := strings.ToUpper(strings.ReplaceAll(v, " ", ""))
	u = strings.TrimPrefix(u, "ASN")
	u = strings.TrimPrefix(u, "AS")
	if u == "" {
		return "AS"
	}
	for _, r := range u {
		if r < '0' || r > '9' {
			return strings.ToUpper(v)
		}
	}
	u = strings.TrimLeft(u, "0")
	if u == "" {
		u = "0"
	}
	return "AS" + u
}

func normalizeURL(v string) string {
	v = refang.Replace(v)
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "hxxps://"):
		v = "https://" + v[len("hxxps://"):]
	case strings.HasPrefix(lower, "hxxp://"):
		v = "http://" + v[len("hxxp://"):]
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return v
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	host = strings.TrimRight(host, ".")
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// HostOf returns the host of a URL indicator value, empty if not parseable
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// twoLevelSuffixes lists common second level public suffixes
var twoLevelSuffixes = map[string]bool{
	"co.uk": true, "org.uk": true, "ac.uk": true, "gov.uk": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.jp": true, "ne.jp": true, "or.jp": true,
	"com.br": true, "com.cn": true, "net.cn": true, "org.cn": true,
	"co.in": true, "co.kr": true, "co.nz": true, "co.za": true,
	"com.mx": true, "com.tr": true, "com.ru": true,
}

// RegistrableDomain returns the registrable part of a host name:
// the last two labels, or three when the last two are a known public suffix.
func RegistrableDomain(host string) string {
	host = normalizeDomain(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	last2 := strings.Join(labels[len(labels)-2:], ".")
	if twoLevelSuffixes[last2] {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return last2
}
