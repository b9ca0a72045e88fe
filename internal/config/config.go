// Package config holds the settings of one wrapfs mount.
//
// Settings are layered: built-in defaults, then an optional TOML file, then
// environment variables, then command-line flags (applied by the caller).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"wrapfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("config")
)

// DefaultSocketDir is where control sockets are created unless configured
// otherwise.
const DefaultSocketDir = "/run/wrapfs"

// Config is the configuration of one mount instance.
type Config struct {
	// Source is the lower directory being stacked on.
	Source string `toml:"source"`
	// Mount is the mount point.
	Mount string `toml:"mount"`
	// SocketDir holds the per-mount control sockets.
	SocketDir string `toml:"socket_dir"`
	// MaxRecords bounds the hide/block registry; zero means unlimited.
	MaxRecords int `toml:"max_records"`
	// AllowOther lets users other than the mounting one access the mount.
	AllowOther bool `toml:"allow_other"`
	// AdminUID is allowed on the control socket in addition to root.
	AdminUID uint32 `toml:"admin_uid"`
	// UID and GID override file ownership; -1 reports the lower owner.
	UID int `toml:"uid"`
	GID int `toml:"gid"`
	// LogLevel is one of ERROR, WARN, INFO, DEBUG, TRACE.
	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketDir: DefaultSocketDir,
		AdminUID:  uint32(os.Getuid()),
		UID:       -1,
		GID:       -1,
		LogLevel:  "INFO",
	}
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	logger.Debug("Loading configuration from %s", path)
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PUID, PGID, WRAPFS_SOCKET_DIR and
// LOG_LEVEL when they are set.
func (c *Config) ApplyEnv() {
	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			c.UID = int(puid)
			logger.Debug("Using PUID from environment: %d", c.UID)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			c.GID = int(pgid)
			logger.Debug("Using PGID from environment: %d", c.GID)
		}
	}
	if dir := os.Getenv("WRAPFS_SOCKET_DIR"); dir != "" {
		c.SocketDir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// Validate checks that the configuration can be used to mount and cleans
// the paths in place.
func (c *Config) Validate() error {
	if c.Source == "" || c.Mount == "" {
		return errors.New("source and mount point are required")
	}
	c.Source = filepath.Clean(c.Source)
	c.Mount = filepath.Clean(c.Mount)
	if c.Source == c.Mount {
		return errors.New("source and mount point must differ")
	}
	if c.SocketDir == "" {
		return errors.New("socket directory is required")
	}
	if c.MaxRecords < 0 {
		return errors.Errorf("max_records must not be negative, got %d", c.MaxRecords)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}

	info, err := os.Stat(c.Source)
	if err != nil {
		return errors.Wrap(err, "source directory")
	}
	if !info.IsDir() {
		return errors.Errorf("source %s is not a directory", c.Source)
	}
	return nil
}
