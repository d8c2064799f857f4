package utils

import (
	"sync"
	"time"
)

type Cache struct {
	data   map[string]interface{}
	expiry map[string]time.Time
	lock   sync.RWMutex

	// Utility lock for external handling of cache
	sharedLock sync.Mutex
}

func NewCache() *Cache {
	cache := Cache{}
	cache.data = make(map[string]interface{})
	cache.expiry = make(map[string]time.Time)
	cache.lock = sync.RWMutex{}
	cache.sharedLock = sync.Mutex{}
	return &cache
}

func (cache *Cache) Get(key string) interface{} {
	// Full lock, expired entries are deleted on read
	cache.lock.Lock()
	defer cache.lock.Unlock()

	if expiry, found := cache.expiry[key]; found {
		if expiry.Before(time.Now()) {
			delete(cache.data, key)
			delete(cache.expiry, key)
		}
	}

	cachedValue, exists := cache.data[key]
	if !exists {
		return nil
	}
	return cachedValue
}

func (cache *Cache) SetWithDuration(key string, value interface{}, d time.Duration) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	cache.data[key] = value
	cache.expiry[key] = time.Now().Add(d)
}

func (cache *Cache) Delete(key string) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	delete(cache.data, key)
	delete(cache.expiry, key)
}

func (cache *Cache) DeleteAll() {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	cache.data = make(map[string]interface{})
	cache.expiry = make(map[string]time.Time)
}

func (cache *Cache) Lock() {
	cache.sharedLock.Lock()
}
func (cache *Cache) Unlock() {
	cache.sharedLock.Unlock()
}
