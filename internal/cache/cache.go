package cache

import (
	"crypto/sha256"
	"sync"

	"github.com/localizer/presence/pkg/core"
)

// Digest identifies the exact bytes of an avatar blob.
type Digest [sha256.Size]byte

// DigestOf hashes blob bytes.
func DigestOf(b []byte) Digest {
	return sha256.Sum256(b)
}

type iconEntry struct {
	digest Digest
	icon   core.IconHandle
}

// IconCache keeps the last decoded and scaled icon per user so an unchanged
// avatar blob is not decoded again every time its marker is recreated.
type IconCache struct {
	mu    sync.RWMutex
	icons map[string]iconEntry
}

func NewIconCache() *IconCache {
	return &IconCache{
		icons: make(map[string]iconEntry),
	}
}

// Get returns the cached icon for userID if it was built from the same blob.
func (c *IconCache) Get(userID string, d Digest) (core.IconHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.icons[userID]
	if !ok || e.digest != d {
		return core.IconHandle{}, false
	}
	return e.icon, true
}

// Put stores the icon decoded from the blob with digest d.
func (c *IconCache) Put(userID string, d Digest, icon core.IconHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.icons[userID] = iconEntry{digest: d, icon: icon}
}

// Forget drops the cached icon of a user.
func (c *IconCache) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.icons, userID)
}

func (c *IconCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.icons)
}

func (c *IconCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.icons = make(map[string]iconEntry)
}

// SafeCounter is a thread-safe counter
type SafeCounter struct {
	mu sync.Mutex
	v  uint64
}

func (c *SafeCounter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Next increments the counter and returns the new value.
func (c *SafeCounter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v++
	return c.v
}
