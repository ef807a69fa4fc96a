// Package addresscache keeps resolved addresses by position and by name and persists
// them as a keyed archive.
package addresscache

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-gum/unarchive"
	"github.com/go-gum/unarchive/location"
	"go.uber.org/zap"
)

type entry struct {
	key     string
	address *location.Address
}

// Cache is an in-memory address cache backed by an archive file.
// A Cache is safe for concurrent use.
type Cache struct {
	path      string
	precision float64

	archiver   *unarchive.Archiver
	unarchiver *unarchive.Unarchiver

	logger *zap.Logger

	mu      sync.RWMutex
	entries []entry
}

type Option func(*Cache)

// WithLogger sets the logger of the cache. The default logger discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache for cfg and loads the addresses persisted at cfg.Path.
// A missing or unreadable archive is logged and results in an empty cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format, _ := unarchive.ParseFormat(cfg.Format)
	compression, _ := unarchive.ParseCompression(cfg.Compression)

	registry := unarchive.NewRegistry()
	if err := location.Register(registry); err != nil {
		return nil, fmt.Errorf("register address: %w", err)
	}

	c := &Cache{
		path:      cfg.Path,
		precision: cfg.Precision,

		archiver: unarchive.NewArchiver(registry).
			WithFormat(format).
			WithCompression(compression),

		unarchiver: unarchive.NewUnarchiver(registry),

		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Load(); err != nil {
		var archiveErr *unarchive.Error
		if errors.As(err, &archiveErr) && archiveErr.Code == unarchive.CodeFileNotFound {
			c.logger.Debug("No address cache found", zap.String("path", c.path))
		} else {
			c.logger.Warn("Failed to load address cache", zap.String("path", c.path), zap.Error(err))
		}
	}

	return c, nil
}

// Set adds address under "<city>, <country>". The address is ignored if an entry
// with the same coordinate exists.
func (c *Cache) Set(address *location.Address) {
	key := fmt.Sprintf("%s, %s", address.City.Name, address.Country().Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.address.Location == address.Location {
			return
		}
	}

	c.entries = append(c.entries, entry{key: key, address: address})
}

// SetKey adds address under key, unless key is taken already.
func (c *Cache) SetKey(key string, address *location.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setKeyLocked(key, address)
}

func (c *Cache) setKeyLocked(key string, address *location.Address) {
	for _, e := range c.entries {
		if e.key == key {
			return
		}
	}

	c.entries = append(c.entries, entry{key: key, address: address})
}

// Get returns the first address within the configured precision of coordinate.
func (c *Cache) Get(coordinate location.Coordinate) (*location.Address, bool) {
	return c.GetWithin(coordinate, c.precision)
}

// GetWithin returns the first address at most precision meters away from coordinate.
func (c *Cache) GetWithin(coordinate location.Coordinate, precision float64) (*location.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.address.Location.Within(coordinate, precision) {
			return e.address, true
		}
	}

	return nil, false
}

func (c *Cache) GetKey(key string) (*location.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.key == key {
			return e.address, true
		}
	}

	return nil, false
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Save writes all entries to the cache file.
func (c *Cache) Save() error {
	c.mu.RLock()
	addresses := make(map[string]*location.Address, len(c.entries))
	for _, e := range c.entries {
		addresses[e.key] = e.address
	}
	c.mu.RUnlock()

	if err := c.archiver.ArchiveFile(c.path, addresses); err != nil {
		return fmt.Errorf("save address cache: %w", err)
	}

	c.logger.Debug("Saved address cache",
		zap.String("path", c.path),
		zap.Int("entries", len(addresses)),
	)

	return nil
}

// Load merges the entries persisted in the cache file. Entries that are not valid
// addresses are skipped. Keys that exist already keep their current address.
func (c *Cache) Load() error {
	root, err := c.unarchiver.UnarchiveFile(c.path)
	if err != nil {
		return err
	}

	persisted, ok := root.(map[string]any)
	if !ok {
		return fmt.Errorf("load address cache: root object is %T, not a dictionary", root)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var loaded int
	for _, key := range slices.Sorted(maps.Keys(persisted)) {
		value := persisted[key]

		address, ok := value.(*location.Address)
		if !ok {
			c.logger.Warn("Skip cache entry",
				zap.String("key", key),
				zap.String("type", fmt.Sprintf("%T", value)),
			)
			continue
		}

		if err := address.Validate(); err != nil {
			c.logger.Warn("Skip invalid cache entry", zap.String("key", key), zap.Error(err))
			continue
		}

		c.setKeyLocked(key, address)
		loaded++
	}

	c.logger.Debug("Loaded address cache",
		zap.String("path", c.path),
		zap.Int("entries", loaded),
	)

	return nil
}
