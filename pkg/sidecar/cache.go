package sidecar

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shao3d/experts-panel/pkg/models"
)

// Response cache sizing. Entries expire after the TTL regardless of use;
// a repeated query within the window is served without touching the MCP
// child at all.
const cacheSize = 100

// ResponseCache is the LRU+TTL cache over aggregated responses, keyed on
// the normalized request.
type ResponseCache struct {
	lru *expirable.LRU[string, *models.RedditResponse]
}

// NewResponseCache creates the cache with the given TTL.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, *models.RedditResponse](cacheSize, nil, ttl),
	}
}

// Get returns the cached response for a key, if fresh.
func (c *ResponseCache) Get(key string) (*models.RedditResponse, bool) {
	return c.lru.Get(key)
}

// Put stores a response.
func (c *ResponseCache) Put(key string, resp *models.RedditResponse) {
	c.lru.Add(key, resp)
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}
