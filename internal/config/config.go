// Package config assembles the orchestrator's runtime configuration from an
// enumerated set of environment variables. Channel credentials are NOT read
// from the process environment; they live in data/env/env and are loaded
// via ReadEnvFile so they never leak into spawned containers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Product is the installed product name. It prefixes container names and
// names the per-user config directory (~/.config/andbot/).
const Product = "andbot"

// Config holds every tunable the core components receive at construction.
// There are no process-wide singletons; each component gets what it needs.
type Config struct {
	AssistantName string

	// PollInterval drives the message-loop ticker; SchedulerPollInterval
	// drives the due-task ticker.
	PollInterval          time.Duration
	SchedulerPollInterval time.Duration

	MaxConcurrentContainers int
	ContainerImage          string

	// Timezone is the IANA zone used for cron schedule evaluation.
	Timezone *time.Location

	// DataDir holds ipc/, env/ and session state. StoreDir holds the
	// sqlite database. GroupsDir holds one folder per registered group.
	DataDir   string
	StoreDir  string
	GroupsDir string
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		AssistantName:           "Andy",
		PollInterval:            2 * time.Second,
		SchedulerPollInterval:   30 * time.Second,
		MaxConcurrentContainers: 2,
		ContainerImage:          Product + "-agent:latest",
		Timezone:                time.Local,
		DataDir:                 "./data",
		StoreDir:                "./store",
		GroupsDir:               "./groups",
	}
}

// FromEnv overlays the enumerated environment variables onto Default().
// Unknown environment variables are never consulted.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("ASSISTANT_NAME"); v != "" {
		cfg.AssistantName = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q", v)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("SCHEDULER_POLL_INTERVAL"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid SCHEDULER_POLL_INTERVAL %q", v)
		}
		cfg.SchedulerPollInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("MAX_CONCURRENT_CONTAINERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_CONTAINERS %q", v)
		}
		cfg.MaxConcurrentContainers = n
	}
	if v := os.Getenv("CONTAINER_IMAGE"); v != "" {
		cfg.ContainerImage = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE %q: %w", v, err)
		}
		cfg.Timezone = loc
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg, nil
}

// EnvFilePath returns the channel credential file location.
func (c *Config) EnvFilePath() string {
	return filepath.Join(c.DataDir, "env", "env")
}

// IPCDir returns the per-group IPC directory holding inbox files and the
// close sentinel.
func (c *Config) IPCDir(folder string) string {
	return filepath.Join(c.DataDir, "ipc", folder)
}

// GroupDir returns the per-group working directory mounted read-write into
// that group's containers.
func (c *Config) GroupDir(folder string) string {
	return filepath.Join(c.GroupsDir, folder)
}

// AllowlistPath returns the mount allowlist location under the user config
// directory (~/.config/andbot/mount-allowlist.json).
func AllowlistPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, Product, "mount-allowlist.json"), nil
}

// ReadEnvFile reads the requested keys from the credential file at path.
// Missing keys are simply absent from the result. The file uses dotenv
// KEY=VALUE syntax. A missing file yields an empty map, not an error, so
// channels can decide individually whether their credentials are required.
func ReadEnvFile(path string, keys ...string) (map[string]string, error) {
	all, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok && v != "" {
			out[k] = v
		}
	}
	return out, nil
}

var folderRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reserved folder names that would collide with shared directories.
var reservedFolders = map[string]bool{
	"global": true,
}

// ValidGroupFolder reports whether s is a filesystem-safe registered-group
// folder name: [A-Za-z0-9_-]+, not a reserved word, no traversal.
func ValidGroupFolder(s string) bool {
	if s == "" || reservedFolders[s] {
		return false
	}
	return folderRe.MatchString(s)
}
