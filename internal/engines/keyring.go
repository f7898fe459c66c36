package engines

import "sync"

// KeyRing hands out API keys round-robin. Safe for concurrent use.
type KeyRing struct {
	mu   sync.Mutex
	keys []string
	next int
}

func NewKeyRing(keys []string) *KeyRing {
	return &KeyRing{keys: append([]string(nil), keys...)}
}

// Next returns the next key in rotation, or "" for an empty ring.
func (r *KeyRing) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	k := r.keys[r.next%len(r.keys)]
	r.next = (r.next + 1) % len(r.keys)
	return k
}

func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// MaskKey keeps only the last six characters of a key for logs and errors.
func MaskKey(key string) string {
	if len(key) <= 6 {
		return "..." + key
	}
	return "..." + key[len(key)-6:]
}
