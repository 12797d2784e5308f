// Package config loads server settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const Prefix = "BLOBFS_"

type Config struct {
	ListenAddr string
	HTTPAddr   string
	EnableHTTP bool

	StoragePath string
	Backend     string
	Exclusive   bool

	BlockSize     uint32
	InodeCount    uint32
	InitialBlocks uint32
	// MaxImageSize caps the data region; 0 means uncapped.
	MaxImageSize uint64

	// SHMPath enables the shared-memory channel when set.
	SHMPath     string
	SHMSize     uint64
	SHMBlocking bool

	AuthToken        string
	EncryptKey       string
	EncryptSalt      string
	CheckPermissions bool

	LogLevel LogLevel
}

// Load reads files as dotenv files, then the environment. With no files
// it loads ./.env if present. Variables already set in the environment
// win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("loading %s: %w", strings.Join(files, ", "), err)
	}

	var p parser
	cfg := &Config{
		ListenAddr:       p.str("LISTEN", "127.0.0.1:9000"),
		HTTPAddr:         p.str("HTTP", "127.0.0.1:8080"),
		EnableHTTP:       p.boolean("HTTP_ENABLE", false),
		StoragePath:      p.str("STORAGE", "/var/lib/blobfs/image.bin"),
		Backend:          p.str("BACKEND", "file"),
		Exclusive:        p.boolean("EXCLUSIVE", true),
		BlockSize:        p.uint32("BLOCK_SIZE", 4096),
		InodeCount:       p.uint32("INODES", 64),
		InitialBlocks:    p.uint32("INITIAL_BLOCKS", 16),
		MaxImageSize:     p.bytes("MAX_SIZE", 0),
		SHMPath:          p.str("SHM_PATH", ""),
		SHMSize:          p.bytes("SHM_SIZE", 1<<20),
		SHMBlocking:      p.boolean("SHM_BLOCKING", true),
		AuthToken:        p.str("TOKEN", ""),
		EncryptKey:       p.str("KEY", ""),
		EncryptSalt:      p.str("SALT", ""),
		CheckPermissions: p.boolean("CHECK_PERMS", false),
		LogLevel:         parseLogLevel(p.str("LOG_LEVEL", "info")),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "file", "bolt", "memory":
	default:
		return fmt.Errorf("%sBACKEND: unknown backend %q", Prefix, c.Backend)
	}
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("%sBLOCK_SIZE: %d is not a power of two", Prefix, c.BlockSize)
	}
	if c.InodeCount == 0 {
		return fmt.Errorf("%sINODES: must be positive", Prefix)
	}
	if c.SHMPath != "" && c.SHMSize < 4096 {
		return fmt.Errorf("%sSHM_SIZE: %s is too small", Prefix, humanize.IBytes(c.SHMSize))
	}
	return nil
}

// MaxBlocks converts MaxImageSize to a data block cap.
func (c *Config) MaxBlocks() uint32 {
	if c.MaxImageSize == 0 {
		return 0
	}
	n := c.MaxImageSize / uint64(c.BlockSize)
	if n > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(n)
}

// parser collects every malformed variable instead of stopping at the
// first.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s=%q: %w", Prefix, key, value, err))
}

func (p *parser) str(key, defaultValue string) string {
	if value := os.Getenv(Prefix + key); value != "" {
		return value
	}
	return defaultValue
}

func (p *parser) uint32(key string, defaultValue uint32) uint32 {
	value := os.Getenv(Prefix + key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return uint32(n)
}

// bytes accepts sizes like "64MiB" or "2GB".
func (p *parser) bytes(key string, defaultValue uint64) uint64 {
	value := os.Getenv(Prefix + key)
	if value == "" {
		return defaultValue
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) boolean(key string, defaultValue bool) bool {
	value := os.Getenv(Prefix + key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	p.fail(key, value, errors.New("not a boolean"))
	return defaultValue
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// ParseLogLevel is exported for command-line flags.
func ParseLogLevel(level string) LogLevel {
	return parseLogLevel(level)
}
