package mcts

import "encoding/binary"

// ContextKey is a canonical, comparable key for a token sequence.
type ContextKey string

// KeyOf encodes tokens as a ContextKey.
func KeyOf(tokens []int32) ContextKey {
	buf := make([]byte, 0, len(tokens)*4)
	for _, t := range tokens {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	return ContextKey(buf)
}

// Tokens decodes the key back into tokens.
func (k ContextKey) Tokens() []int32 {
	b := []byte(k)
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ContextCache maps terminal token sequences to values computed for them
// during one self-play run.
type ContextCache struct {
	values map[ContextKey]float32
}

func NewContextCache() *ContextCache {
	return &ContextCache{values: make(map[ContextKey]float32)}
}

func (c *ContextCache) Get(tokens []int32) (float32, bool) {
	v, ok := c.values[KeyOf(tokens)]
	return v, ok
}

func (c *ContextCache) Put(tokens []int32, value float32) {
	c.values[KeyOf(tokens)] = value
}

func (c *ContextCache) Len() int { return len(c.values) }

// CacheEntry is the serialisable form of one cache entry.
type CacheEntry struct {
	Tokens []int32 `json:"tokens"`
	Value  float32 `json:"value"`
}

// Entries copies the cache contents.
func (c *ContextCache) Entries() []CacheEntry {
	out := make([]CacheEntry, 0, len(c.values))
	for k, v := range c.values {
		out = append(out, CacheEntry{Tokens: k.Tokens(), Value: v})
	}
	return out
}

// Restore replaces the cache contents.
func (c *ContextCache) Restore(entries []CacheEntry) {
	c.values = make(map[ContextKey]float32, len(entries))
	for _, e := range entries {
		c.values[KeyOf(e.Tokens)] = e.Value
	}
}
