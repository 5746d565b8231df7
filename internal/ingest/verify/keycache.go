package verify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	keyFetchTimeout = 10 * time.Second
	maxKeyBytes     = 64 * 1024
)

var ErrKeyFetchFailed = errors.New("key_fetch_failed")

// KeyCache fetches partner signing keys by URL once and serves them from
// memory afterwards. Verification of a delivery must not pay a network
// round trip per request.
type KeyCache struct {
	mu     sync.RWMutex
	keys   map[string]string
	client *http.Client
}

func NewKeyCache() *KeyCache {
	return &KeyCache{
		keys:   make(map[string]string),
		client: &http.Client{Timeout: keyFetchTimeout},
	}
}

// Get returns the PEM key served at url, fetching it on first use.
func (c *KeyCache) Get(ctx context.Context, url string) (string, error) {
	c.mu.RLock()
	if pem, ok := c.keys[url]; ok {
		c.mu.RUnlock()
		return pem, nil
	}
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrKeyFetchFailed
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes))
	if err != nil {
		return "", err
	}

	pem := string(body)
	if _, err := ParsePublicKey(pem); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.keys[url] = pem
	c.mu.Unlock()
	return pem, nil
}

// Put seeds the cache, mainly for tests and statically configured keys.
func (c *KeyCache) Put(url, pem string) {
	c.mu.Lock()
	c.keys[url] = pem
	c.mu.Unlock()
}
