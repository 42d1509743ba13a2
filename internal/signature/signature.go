// Package signature implements the legacy shared-secret signing scheme used by the
// payment gateways: drop empty values and excluded keys, sort the rest by key, join as
// key=value pairs with '&', append the raw secret and take the hex MD5 digest.
package signature

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Params is a flat parameter mapping as sent to or received from a gateway.
type Params map[string]string

// Field is one named parameter. Gateways describe their outbound requests as an ordered
// list of fields so the set being signed is explicit.
type Field struct {
	Name  string
	Value string
}

// FromFields builds Params from fields. Later duplicates overwrite earlier ones.
func FromFields(fields ...Field) Params {
	p := make(Params, len(fields))
	for _, f := range fields {
		p[f.Name] = f.Value
	}
	return p
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Scheme describes one gateway's variant of the canonicalization rule.
type Scheme struct {
	// SignField carries the digest and is never part of the signed string.
	SignField string
	// Exclude lists further keys that are never signed (e.g. sign_type).
	Exclude []string
	// Include, when non-empty, restricts signing to these keys. Anything else the request
	// carries (our own return-URL query parameters, for instance) is ignored.
	Include []string
}

func (s Scheme) excluded(key string) bool {
	if key == s.SignField {
		return true
	}
	for _, k := range s.Exclude {
		if k == key {
			return true
		}
	}
	if len(s.Include) == 0 {
		return false
	}
	for _, k := range s.Include {
		if k == key {
			return false
		}
	}
	return true
}

// Canonical returns the signed string without the secret suffix.
func (s Scheme) Canonical(p Params) string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if v == "" || s.excluded(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}

// Sign computes the digest of p under secret.
func (s Scheme) Sign(p Params, secret string) string {
	sum := md5.Sum([]byte(s.Canonical(p) + secret))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether p[SignField] is exactly the digest of p under secret.
// Comparison is byte-exact; a digest in a different letter case does not match.
func (s Scheme) Verify(p Params, secret string) bool {
	got := p[s.SignField]
	if got == "" {
		return false
	}
	want := s.Sign(p, secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Signed returns a copy of p with SignField set.
func (s Scheme) Signed(p Params, secret string) Params {
	out := p.Clone()
	out[s.SignField] = s.Sign(p, secret)
	return out
}
