package llm

import "sync/atomic"

// KeyPool holds a provider's API keys and the index of the key currently
// in use. Rotation is a compare-and-swap so that concurrent fibers hitting
// a rate limit at the same time advance the pool exactly once instead of
// skipping keys.
type KeyPool struct {
	keys []string
	cur  atomic.Int64
}

// NewKeyPool creates a pool. Panics on an empty key list — a provider
// without keys must not be registered.
func NewKeyPool(keys []string) *KeyPool {
	if len(keys) == 0 {
		panic("llm.NewKeyPool: empty key list")
	}
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &KeyPool{keys: cp}
}

// Current returns the active key and its index.
func (p *KeyPool) Current() (string, int) {
	i := int(p.cur.Load())
	return p.keys[i], i
}

// Rotate advances the pool past index from. Returns true if this call
// performed the advance; false means another fiber already rotated and
// the caller should simply re-read Current.
func (p *KeyPool) Rotate(from int) bool {
	next := int64((from + 1) % len(p.keys))
	return p.cur.CompareAndSwap(int64(from), next)
}

// Len returns the number of keys.
func (p *KeyPool) Len() int {
	return len(p.keys)
}
