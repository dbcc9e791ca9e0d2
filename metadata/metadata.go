// Package metadata implements the ordered key/value pairs carried alongside
// a call in initial headers and trailers.
//
// Keys are lowercase ASCII matching [a-z0-9._-]+ (pseudo-header keys carry a
// leading colon). Keys ending in "-bin" hold arbitrary bytes and are base64
// encoded on the wire; all other keys hold printable ASCII plus space.
// Insertion order is preserved and duplicate keys are permitted. MD is not
// safe for concurrent use; ownership transfers to the transport when a call
// is started.
package metadata

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// BinarySuffix is the key suffix marking binary-valued metadata.
const BinarySuffix = "-bin"

type pair struct {
	key   string
	value string // raw bytes for binary keys, ASCII otherwise
}

// MD is an ordered multimap of call metadata.
type MD struct {
	pairs []pair
}

// New returns an empty MD.
func New() *MD {
	return &MD{}
}

// Pairs builds an MD from alternating key/value arguments. It panics on an
// odd argument count or an invalid key.
func Pairs(kv ...string) *MD {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("metadata: Pairs got odd number of arguments: %d", len(kv)))
	}
	md := New()
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// IsValidKey reports whether k is a well-formed metadata key: one or more of
// [a-z0-9._-], with an optional leading ':' for pseudo-headers.
func IsValidKey(k string) bool {
	if k == "" {
		return false
	}
	if k[0] == ':' {
		k = k[1:]
		if k == "" {
			return false
		}
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// IsBinaryKey reports whether k names a binary-valued entry.
func IsBinaryKey(k string) bool {
	return strings.HasSuffix(k, BinarySuffix)
}

// validASCIIValue reports whether v consists of printable ASCII plus space.
func validASCIIValue(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 || v[i] > 0x7e {
			return false
		}
	}
	return true
}

// Append adds a key/value pair, keeping any existing values for the key. It
// panics on an invalid key or, for ASCII keys, a non-printable value; both
// are programmer errors on the sending side.
func (m *MD) Append(key, value string) {
	if !IsValidKey(key) {
		panic(fmt.Sprintf("metadata: invalid key %q", key))
	}
	if !IsBinaryKey(key) && !validASCIIValue(value) {
		panic(fmt.Sprintf("metadata: value for ASCII key %q contains non-printable bytes", key))
	}
	m.pairs = append(m.pairs, pair{key: key, value: value})
}

// Get returns the last value recorded for key, matching the retrieval
// behavior of repeated headers.
func (m *MD) Get(key string) (string, bool) {
	for i := len(m.pairs) - 1; i >= 0; i-- {
		if m.pairs[i].key == key {
			return m.pairs[i].value, true
		}
	}
	return "", false
}

// GetAll returns all values for key in insertion order.
func (m *MD) GetAll(key string) []string {
	var out []string
	for _, p := range m.pairs {
		if p.key == key {
			out = append(out, p.value)
		}
	}
	return out
}

// Remove deletes every value for key and reports whether any was present.
func (m *MD) Remove(key string) bool {
	kept := m.pairs[:0]
	removed := false
	for _, p := range m.pairs {
		if p.key == key {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	m.pairs = kept
	return removed
}

// Len returns the number of pairs.
func (m *MD) Len() int { return len(m.pairs) }

// Range calls f for each pair in insertion order until f returns false.
func (m *MD) Range(f func(key, value string) bool) {
	for _, p := range m.pairs {
		if !f(p.key, p.value) {
			return
		}
	}
}

// Copy returns a deep copy of m.
func (m *MD) Copy() *MD {
	out := &MD{pairs: make([]pair, len(m.pairs))}
	copy(out.pairs, m.pairs)
	return out
}

// Merge appends all pairs of other to m, preserving other's order.
func (m *MD) Merge(other *MD) {
	if other == nil {
		return
	}
	m.pairs = append(m.pairs, other.pairs...)
}

// Equal reports whether m and other hold the same pairs in the same order.
func (m *MD) Equal(other *MD) bool {
	if m.Len() != other.Len() {
		return false
	}
	for i := range m.pairs {
		if m.pairs[i] != other.pairs[i] {
			return false
		}
	}
	return true
}

// HeaderFields serializes m into hpack header fields. Binary values are
// base64 encoded without padding, per the wire protocol.
func (m *MD) HeaderFields() []hpack.HeaderField {
	out := make([]hpack.HeaderField, 0, len(m.pairs))
	for _, p := range m.pairs {
		v := p.value
		if IsBinaryKey(p.key) {
			v = base64.RawStdEncoding.EncodeToString([]byte(v))
		}
		out = append(out, hpack.HeaderField{Name: p.key, Value: v})
	}
	return out
}

// FromHeaderFields parses hpack header fields back into metadata. Binary
// values are base64 decoded, accepting both padded and unpadded input. Keys
// that do not satisfy IsValidKey are rejected rather than dropped, since a
// conforming peer never produces them.
func FromHeaderFields(fields []hpack.HeaderField) (*MD, error) {
	md := New()
	for _, f := range fields {
		key := strings.ToLower(f.Name)
		if !IsValidKey(key) {
			return nil, fmt.Errorf("metadata: invalid header key %q", f.Name)
		}
		v := f.Value
		if IsBinaryKey(key) {
			dec, err := decodeBinary(v)
			if err != nil {
				return nil, fmt.Errorf("metadata: bad base64 in %q: %v", key, err)
			}
			v = dec
		}
		md.pairs = append(md.pairs, pair{key: key, value: v})
	}
	return md, nil
}

func decodeBinary(v string) (string, error) {
	if len(v)%4 == 0 {
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			return string(b), nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
