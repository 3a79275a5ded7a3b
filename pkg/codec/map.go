package codec

// Map is an insertion-ordered string-keyed map. Plain Go maps cannot satisfy
// the codec's round-trip requirement (re-encoding must reproduce the same
// byte sequence, modulo key ordering "which must be insertion-preserving
// within one encode") because map iteration order is randomized, so payload
// maps are carried as Map throughout the queue and pub/sub layers.
type Map struct {
	keys []string
	idx  map[string]int
	vals []*Value
}

// NewMap returns an empty, ready-to-use Map.
func NewMap() *Map {
	return &Map{idx: make(map[string]int)}
}

// Set inserts or updates key. Updating an existing key keeps its original
// position; new keys are appended.
func (m *Map) Set(key string, v *Value) {
	if m.idx == nil {
		m.idx = make(map[string]int)
	}
	if i, ok := m.idx[key]; ok {
		m.vals[i] = v
		return
	}
	m.idx[key] = len(m.keys)
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, v)
}

// Get returns the value stored under key, if present.
func (m *Map) Get(key string) (*Value, bool) {
	if m == nil {
		return nil, false
	}
	i, ok := m.idx[key]
	if !ok {
		return nil, false
	}
	return m.vals[i], true
}

// Delete removes key if present, preserving the relative order of the
// remaining keys.
func (m *Map) Delete(key string) {
	if m == nil {
		return
	}
	i, ok := m.idx[key]
	if !ok {
		return
	}
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	delete(m.idx, key)
	for k, pos := range m.idx {
		if pos > i {
			m.idx[k] = pos - 1
		}
	}
}

// Len reports the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order. The returned slice must not be
// mutated by the caller.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Range calls fn for every entry in insertion order, stopping early if fn
// returns false.
func (m *Map) Range(fn func(key string, v *Value) bool) {
	if m == nil {
		return
	}
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}
