package app

// Filter is an immutable byte sequence plus its length (§3). Equality is
// by length-then-bytes; see EventKey for how absent filters compare.
type Filter struct {
	bytes []byte
}

// NewFilter clones b into a new Filter.
func NewFilter(b []byte) *Filter {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Filter{bytes: cp}
}

// Bytes returns the filter's byte content.
func (f *Filter) Bytes() []byte {
	if f == nil {
		return nil
	}
	return f.bytes
}

// Clone returns a deep copy, or nil if f is nil.
func (f *Filter) Clone() *Filter {
	if f == nil {
		return nil
	}
	return NewFilter(f.bytes)
}

// filterEqual implements §3's filter equality: both-absent matches,
// one-absent-one-present does not, otherwise length-then-bytes.
func filterEqual(a, b *Filter) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if len(a.bytes) != len(b.bytes) {
		return false
	}
	for i := range a.bytes {
		if a.bytes[i] != b.bytes[i] {
			return false
		}
	}
	return true
}
