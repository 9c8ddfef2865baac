package orchestrator

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/lazyaudit-labs/engine/pkg/capsule"
	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
)

// VerificationCache memoizes AuditPackage verification outcomes keyed by
// a hash of the package being verified, so repeated verification of the
// same package is cheap (spec §3 supplemented types, grounded on
// audit_trail.py's `VerificationCache`, kept separate from pkg/merkle's
// proof cache). Entries are evicted oldest-first once capacity is
// exceeded.
type VerificationCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]error
}

// NewVerificationCache creates a cache bounded to capacity entries. A
// capacity of zero or less disables bounding.
func NewVerificationCache(capacity int) *VerificationCache {
	return &VerificationCache{
		capacity: capacity,
		entries:  make(map[string]error),
	}
}

// packageCacheKey hashes the package's whole canonical encoding, so the
// key changes whenever any of its content changes: its audit id, Merkle
// root, dataset hash, or any capsule's ciphertext, proof, or metadata (as
// a tampered package's would). A package that cannot be encoded is keyed
// by its Go value representation instead.
func packageCacheKey(pkg *capsule.AuditPackage) string {
	material, err := pkg.ExportJSON()
	if err != nil {
		material = []byte(fmt.Sprintf("%#v", *pkg))
	}
	sum := cryptoprim.SHA256(material)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached verification outcome for pkg, if any. A nil
// error means the cached run verified successfully.
func (c *VerificationCache) Get(pkg *capsule.AuditPackage) (err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok = c.entries[packageCacheKey(pkg)]
	return err, ok
}

// Put records pkg's verification outcome.
func (c *VerificationCache) Put(pkg *capsule.AuditPackage, outcome error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := packageCacheKey(pkg)
	if _, exists := c.entries[key]; !exists {
		if c.capacity > 0 && len(c.entries) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = outcome
}

// Clear drops every cached verification outcome.
func (c *VerificationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]error)
	c.order = nil
}
