// Package config provides centralized configuration management.
// All bridge settings come from OCBRIDGE_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Env holds all bridge environment variables.
type Env struct {
	// AgentURL is the base URL of the coding-agent server (OCBRIDGE_AGENT_URL)
	AgentURL string

	// ListenAddr is the control API listen address (OCBRIDGE_LISTEN)
	ListenAddr string

	// DataDir is where session snapshots are stored (OCBRIDGE_DATA_DIR)
	DataDir string

	// ProjectsRoot is the default root for project paths (OCBRIDGE_PROJECTS_ROOT)
	ProjectsRoot string

	// ProjectGlobs are comma-separated doublestar patterns, relative to
	// ProjectsRoot, that a project path must match (OCBRIDGE_PROJECT_GLOBS)
	ProjectGlobs []string

	// DefaultProject is used when a conversation starts without an
	// explicit project path (OCBRIDGE_DEFAULT_PROJECT)
	DefaultProject string

	// IdleTimeout is how long a session may sit inactive before the
	// reaper evicts it (OCBRIDGE_IDLE_TIMEOUT)
	IdleTimeout time.Duration

	// ReapInterval is how often the idle reaper sweeps (OCBRIDGE_REAP_INTERVAL)
	ReapInterval time.Duration
}

var (
	env     *Env
	envOnce sync.Once
)

// Load returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Load() *Env {
	envOnce.Do(func() {
		root := getEnvDefault("OCBRIDGE_PROJECTS_ROOT", defaultProjectsRoot())
		env = &Env{
			AgentURL:       getEnvDefault("OCBRIDGE_AGENT_URL", "http://127.0.0.1:4096"),
			ListenAddr:     getEnvDefault("OCBRIDGE_LISTEN", "127.0.0.1:8710"),
			DataDir:        getEnvDefault("OCBRIDGE_DATA_DIR", Path("data")),
			ProjectsRoot:   root,
			ProjectGlobs:   splitGlobs(getEnvDefault("OCBRIDGE_PROJECT_GLOBS", "**")),
			DefaultProject: getEnvDefault("OCBRIDGE_DEFAULT_PROJECT", root),
			IdleTimeout:    getDurationDefault("OCBRIDGE_IDLE_TIMEOUT", 30*time.Minute),
			ReapInterval:   getDurationDefault("OCBRIDGE_REAP_INTERVAL", 2*time.Minute),
		}
	})
	return env
}

// Reset resets the cached environment (for testing).
func Reset() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationDefault(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitGlobs(v string) []string {
	var globs []string
	for _, g := range strings.Split(v, ",") {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	if len(globs) == 0 {
		globs = []string{"**"}
	}
	return globs
}

func defaultProjectsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "projects")
}

var (
	bridgeHome string
	homeOnce   sync.Once
)

// Home returns the bridge home directory (~/.ocbridge).
func Home() string {
	homeOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		bridgeHome = filepath.Join(home, ".ocbridge")
	})
	return bridgeHome
}

// Path returns a path under the bridge home directory.
func Path(parts ...string) string {
	allParts := append([]string{Home()}, parts...)
	return filepath.Join(allParts...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
