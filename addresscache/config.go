package addresscache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-gum/unarchive"
	"gopkg.in/yaml.v3"
)

// DefaultPrecision is the distance in meters within which a cached address
// matches a coordinate.
const DefaultPrecision = 20

// Config describes where and how the cache is persisted.
type Config struct {
	Path        string  `yaml:"path"`
	Precision   float64 `yaml:"precision"`
	Format      string  `yaml:"format"`
	Compression string  `yaml:"compression"`
}

// DefaultConfig stores the cache in the temporary directory as an uncompressed
// binary archive.
func DefaultConfig() Config {
	return Config{
		Path:        filepath.Join(os.TempDir(), "address_cache.lm"),
		Precision:   DefaultPrecision,
		Format:      unarchive.FormatBinary.String(),
		Compression: unarchive.CompressionNone.String(),
	}
}

// LoadConfig reads a YAML config file. Missing values are taken from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	fp, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	defer fp.Close()

	return DecodeConfig(fp)
}

// DecodeConfig reads a YAML config from r. Missing values are taken from DefaultConfig.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the config describes a usable cache.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is empty")
	}

	if c.Precision < 0 {
		return fmt.Errorf("config: negative precision %v", c.Precision)
	}

	if _, err := unarchive.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if _, err := unarchive.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}
