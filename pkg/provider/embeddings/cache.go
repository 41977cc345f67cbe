package embeddings

import (
	"container/list"
	"context"
	"sync"
)

// CacheStats reports the state of a [Cached] wrapper.
type CacheStats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Cached wraps a Provider with an in-memory LRU cache keyed by the exact
// input text. Identical texts always yield the identical vector without a
// second upstream call. Safe for concurrent use.
type Cached struct {
	upstream Provider
	maxSize  int

	mu     sync.Mutex
	order  *list.List               // front = most recently used
	items  map[string]*list.Element // text -> element whose Value is *cacheEntry
	hits   int64
	misses int64
}

type cacheEntry struct {
	text   string
	vector []float32
}

// DefaultCacheSize bounds the cache when no explicit size is given.
const DefaultCacheSize = 1024

// NewCached wraps upstream with an LRU cache of at most maxSize entries.
// maxSize <= 0 selects [DefaultCacheSize].
func NewCached(upstream Provider, maxSize int) *Cached {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cached{
		upstream: upstream,
		maxSize:  maxSize,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

var _ Provider = (*Cached)(nil)

// Embed implements [Provider]. A cache hit returns the stored vector without
// touching the upstream provider.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.lookup(text); ok {
		return vec, nil
	}

	vec, err := c.upstream.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(text, vec)
	return vec, nil
}

// EmbedBatch implements [Provider]. Cached texts are served locally and only
// the misses are forwarded upstream in a single call.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.lookup(t); ok {
			result[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	vecs, err := c.upstream.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		result[missingIdx[j]] = vec
		c.store(missing[j], vec)
	}
	return result, nil
}

// Dimensions implements [Provider].
func (c *Cached) Dimensions() int { return c.upstream.Dimensions() }

// ModelID implements [Provider].
func (c *Cached) ModelID() string { return c.upstream.ModelID() }

// Stats returns current cache counters.
func (c *Cached) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.items), Hits: c.hits, Misses: c.misses}
}

func (c *Cached) lookup(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[text]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vector, true
}

func (c *Cached) store(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[text]; ok {
		el.Value.(*cacheEntry).vector = vector
		c.order.MoveToFront(el)
		return
	}

	c.items[text] = c.order.PushFront(&cacheEntry{text: text, vector: vector})
	for len(c.items) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).text)
	}
}
