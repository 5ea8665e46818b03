package pkgcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

const (
	// IndexFileName is the persisted key -> last-touched map inside the cache dir.
	IndexFileName = "cache_index.json"
	// ArchiveExt is appended to "name-version" to form the cached archive name.
	ArchiveExt = ".pkg"
)

// ErrInvalidKey is returned for a name-version that does not map to a single
// file directly inside the cache directory.
var ErrInvalidKey = errors.New("invalid cache key")

// Entry is one cached archive.
type Entry struct {
	Key     string
	Path    string
	Touched time.Time
}

// Cache maps name-version keys to archives under dir and keeps the sum of
// their sizes within maxSize by evicting the least recently touched entries.
type Cache struct {
	dir     string
	maxSize int64
	now     func() time.Time

	mu    sync.Mutex
	index map[string]time.Time
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New opens (creating if needed) the cache in dir, loads its index and
// enforces the byte budget.
func New(dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		now:     time.Now,
		index:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadIndexLocked()
	c.enforceSizeLocked()
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// IsCached reports whether name-version has an index entry.
func (c *Cache) IsCached(name, version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[ospackage.CacheKey(name, version)]
	return ok
}

// GetCachePath returns where the archive for name-version lives. It depends
// only on its arguments, not on cache contents. Keys that would leave the
// cache directory return ErrInvalidKey.
func (c *Cache) GetCachePath(name, version string) (string, error) {
	key := ospackage.CacheKey(name, version)
	path, ok := c.pathForKey(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path, nil
}

// AddToCache stamps name-version with the current time, persists the index
// and evicts until the budget holds again. Invalid keys are ignored.
func (c *Cache) AddToCache(name, version string) {
	key := ospackage.CacheKey(name, version)
	if _, ok := c.pathForKey(key); !ok {
		logger.Logger().Warnf("refusing to cache invalid key %q", key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.index[key] = c.now()
	c.saveIndexLocked()
	c.enforceSizeLocked()
}

// RemoveFromCache deletes the archive if present, drops the entry and
// persists the index.
func (c *Cache) RemoveFromCache(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(ospackage.CacheKey(name, version))
	c.saveIndexLocked()
}

// IsTempFile reports whether a cache directory entry is an in-flight
// download or an index rewrite rather than a cached archive.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part")
}

// GetCacheSize sums the sizes of every regular file in the cache directory,
// except the index file and in-flight temp files. It walks the directory on
// every call.
func (c *Cache) GetCacheSize() int64 {
	size, err := c.diskUsage()
	if err != nil {
		logger.Logger().Warnf("computing cache size of %s: %v", c.dir, err)
	}
	return size
}

// Entries returns the index sorted from least to most recently touched.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *Cache) diskUsage() (int64, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == IndexFileName || IsTempFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// pathForKey maps key to a file directly inside the cache directory, or
// reports false if the key contains a separator or would escape it.
func (c *Cache) pathForKey(key string) (string, bool) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", false
	}
	path := filepath.Join(c.dir, key+ArchiveExt)
	if filepath.Dir(path) != filepath.Clean(c.dir) {
		return "", false
	}
	return path, true
}

func (c *Cache) removeLocked(key string) int64 {
	var freed int64
	path, ok := c.pathForKey(key)
	if !ok {
		delete(c.index, key)
		return 0
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		freed = info.Size()
		if err := os.Remove(path); err != nil {
			logger.Logger().Warnf("removing cached archive %s: %v", path, err)
			freed = 0
		}
	}
	delete(c.index, key)
	return freed
}

func (c *Cache) sortedLocked() []Entry {
	out := make([]Entry, 0, len(c.index))
	for key, ts := range c.index {
		path, _ := c.pathForKey(key)
		out = append(out, Entry{Key: key, Path: path, Touched: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Touched.Equal(out[j].Touched) {
			return out[i].Touched.Before(out[j].Touched)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// enforceSizeLocked evicts oldest-first until the budget holds or the index is empty.
func (c *Cache) enforceSizeLocked() {
	log := logger.Logger()

	current, err := c.diskUsage()
	if err != nil {
		log.Warnf("computing cache size of %s: %v", c.dir, err)
		return
	}
	if current <= c.maxSize {
		return
	}

	evicted := 0
	for _, e := range c.sortedLocked() {
		if current <= c.maxSize {
			break
		}
		current -= c.removeLocked(e.Key)
		evicted++
		log.Debugf("evicted %s from cache", e.Key)
	}
	if evicted > 0 {
		c.saveIndexLocked()
		log.Infof("evicted %d cache entries, cache size now %d of %d bytes", evicted, current, c.maxSize)
	}
}

func (c *Cache) loadIndexLocked() {
	path := filepath.Join(c.dir, IndexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Logger().Warnf("failed to load cache index %s: %v", path, err)
		}
		return
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Logger().Warnf("failed to load cache index %s: %v", path, err)
		return
	}
	for key, ms := range raw {
		if _, ok := c.pathForKey(key); !ok {
			logger.Logger().Warnf("dropping invalid cache index key %q", key)
			continue
		}
		c.index[key] = time.UnixMilli(ms)
	}
}

// saveIndexLocked rewrites the whole index through a temp file and rename.
func (c *Cache) saveIndexLocked() {
	raw := make(map[string]int64, len(c.index))
	for key, ts := range c.index {
		raw[key] = ts.UnixMilli()
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		logger.Logger().Errorf("encoding cache index: %v", err)
		return
	}

	path := filepath.Join(c.dir, IndexFileName)
	tmp, err := os.CreateTemp(c.dir, "."+strings.TrimSuffix(IndexFileName, ".json")+"-*")
	if err != nil {
		logger.Logger().Errorf("saving cache index: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		logger.Logger().Errorf("saving cache index: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		logger.Logger().Errorf("saving cache index: %v", err)
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		logger.Logger().Errorf("saving cache index: %v", err)
	}
}
