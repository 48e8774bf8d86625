package dataloader

import (
	"container/list"
	"fmt"
	"image"
	"sync"
)

// CacheManager is a bounded LRU of decoded RGB images keyed by path. It
// stores images before any transform, so random augmentation still differs
// between passes.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[string]*image.RGBA
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*image.RGBA),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an image and marks it most recently used.
func (cm *CacheManager) Get(key string) (*image.RGBA, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	img, ok := cm.cache[key]
	if !ok {
		cm.misses++
		return nil, false
	}
	cm.lru.MoveToFront(cm.lruMap[key])
	cm.hits++
	return img, true
}

// Put adds an image, evicting the least recently used entries beyond
// maxSize. Images must be treated as read-only once cached.
func (cm *CacheManager) Put(key string, img *image.RGBA) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.lruMap[key]; ok {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = img

	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
}

// Len returns the number of cached images.
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Clear drops every image. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*image.RGBA)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
