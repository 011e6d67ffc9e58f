// Package cache provides a content-addressed registry of compiled DSP
// factories. The registry is an explicit object with its own lifecycle:
// the owner constructs it, keeps it alive for as long as factory handles
// are held and tears it down with Clear.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pipelined/netdsp"
)

// Factory is a cached compiled artifact plus channel and dependency
// metadata. Factories are reference-counted by outstanding handles.
type Factory struct {
	artifact *netdsp.Artifact

	m    sync.Mutex
	refs int
	// set when the owning cache is cleared, all handles are invalid
	// after that
	invalid bool
}

// ShaKey computes the content hash of an expanded source. Identical
// expanded sources always map to the same key. Normalization itself is the
// toolchain's job: the cache hashes whatever text it is given.
func ShaKey(expanded string) string {
	sum := sha256.Sum256([]byte(expanded))
	return hex.EncodeToString(sum[:])
}

// ShaKeyOf hashes a source together with its compile flags, for callers
// which key on the raw request rather than the expanded text.
func ShaKeyOf(source string, flags []string) string {
	return ShaKey(source + "\x00" + strings.Join(flags, "\x00"))
}

// Artifact returns the compiled artifact descriptor.
func (f *Factory) Artifact() *netdsp.Artifact {
	return f.artifact
}

// NumInputs returns the number of input channels.
func (f *Factory) NumInputs() int {
	return f.artifact.NumInputs
}

// NumOutputs returns the number of output channels.
func (f *Factory) NumOutputs() int {
	return f.artifact.NumOutputs
}

// Dependencies returns the list of library dependencies.
func (f *Factory) Dependencies() []string {
	return f.artifact.Dependencies
}

// Metadata returns the factory metadata map.
func (f *Factory) Metadata() map[string]string {
	return f.artifact.Metadata
}

// Retain increments the handle reference count.
func (f *Factory) Retain() {
	f.m.Lock()
	f.refs++
	f.m.Unlock()
}

// Release decrements the handle reference count.
func (f *Factory) Release() {
	f.m.Lock()
	if f.refs > 0 {
		f.refs--
	}
	f.m.Unlock()
}

// Refs returns the current number of outstanding handles.
func (f *Factory) Refs() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.refs
}

// Valid reports whether the factory handle may still be dereferenced.
// It turns false once the owning cache is cleared.
func (f *Factory) Valid() bool {
	f.m.Lock()
	defer f.m.Unlock()
	return !f.invalid
}

func (f *Factory) invalidate() {
	f.m.Lock()
	f.invalid = true
	f.m.Unlock()
}

// Cache maps shaKeys to factories. Safe for concurrent lookups and
// inserts.
type Cache struct {
	m         sync.RWMutex
	factories map[string]*Factory
}

// New returns an empty factory cache.
func New() *Cache {
	return &Cache{
		factories: make(map[string]*Factory),
	}
}

// Lookup returns the factory for a shaKey or nil when absent. A miss is a
// normal outcome, not an error.
func (c *Cache) Lookup(shaKey string) *Factory {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.factories[shaKey]
}

// Insert stores an artifact under its shaKey and returns the cached
// factory. Insert is first-wins: when the key is already present the
// existing factory is returned and the new artifact is discarded, so
// identical sources always resolve to the same factory instance.
func (c *Cache) Insert(shaKey string, a *netdsp.Artifact) *Factory {
	c.m.Lock()
	defer c.m.Unlock()
	if f, ok := c.factories[shaKey]; ok {
		return f
	}
	f := &Factory{artifact: a}
	c.factories[shaKey] = f
	return f
}

// Delete removes a single factory from the cache and invalidates it.
func (c *Cache) Delete(shaKey string) {
	c.m.Lock()
	f, ok := c.factories[shaKey]
	if ok {
		delete(c.factories, shaKey)
	}
	c.m.Unlock()
	if ok {
		f.invalidate()
	}
}

// Clear drops every cached factory at once. All outstanding handles become
// invalid immediately, with no grace period for in-flight use: callers
// must not dereference previously returned factories afterwards.
func (c *Cache) Clear() {
	c.m.Lock()
	dropped := c.factories
	c.factories = make(map[string]*Factory)
	c.m.Unlock()
	for _, f := range dropped {
		f.invalidate()
	}
}

// Len returns the number of cached factories.
func (c *Cache) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.factories)
}

// List returns the (name, shaKey) pairs of all cached factories. The name
// is taken from the artifact metadata.
func (c *Cache) List() map[string]string {
	c.m.RLock()
	defer c.m.RUnlock()
	list := make(map[string]string, len(c.factories))
	for sha, f := range c.factories {
		list[sha] = f.artifact.Metadata["name"]
	}
	return list
}
