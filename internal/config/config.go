// Package config loads and saves user settings and the recent repository
// and branch lists.
//
// Settings live in a YAML file, by default
// $XDG_CONFIG_HOME/worktree-session/config.yaml. A missing file means
// defaults. Writes go through a temp file and rename so a crash never
// leaves a truncated config behind.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPTY    = "pty"
	BackendDocker = "docker"

	DefaultAttachTimeout = 10 * time.Second

	RecentReposMax    = 15
	RecentBranchesMax = 10
)

// Config is the on-disk settings document.
type Config struct {
	// Backend selects the session spawner: "pty" or "docker".
	Backend string `yaml:"backend"`

	// Command is the argv run in new sessions. Empty means the login shell
	// (pty) or the image's default command (docker).
	Command []string `yaml:"command,omitempty"`

	AttachTimeout time.Duration `yaml:"attach_timeout"`

	Docker DockerConfig `yaml:"docker,omitempty"`

	LogFile  string `yaml:"log_file,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	RecentRepos    []string            `yaml:"recent_repos,omitempty"`
	LastRepo       string              `yaml:"last_repo,omitempty"`
	RecentBranches map[string][]string `yaml:"recent_branches,omitempty"`
}

// DockerConfig holds settings for the docker backend.
type DockerConfig struct {
	Image         string `yaml:"image,omitempty"`
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() Config {
	return Config{
		Backend:       BackendPTY,
		AttachTimeout: DefaultAttachTimeout,
		LogLevel:      "info",
	}
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPTY, BackendDocker:
	default:
		return fmt.Errorf("invalid backend %q (valid: %s, %s)", c.Backend, BackendPTY, BackendDocker)
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("attach_timeout must not be negative, got %s", c.AttachTimeout)
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Command = slices.Clone(c.Command)
	out.RecentRepos = slices.Clone(c.RecentRepos)
	if c.RecentBranches != nil {
		out.RecentBranches = make(map[string][]string, len(c.RecentBranches))
		for k, v := range c.RecentBranches {
			out.RecentBranches[k] = slices.Clone(v)
		}
	}
	return out
}

// DefaultPath returns the config file location under os.UserConfigDir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "worktree-session", "config.yaml"), nil
}

// Store guards a Config and its file. It is safe for concurrent use.
type Store struct {
	path string

	mu  sync.Mutex
	cfg Config
}

// Load reads path. A missing file yields defaults; keys absent from the
// file keep their default values.
func Load(path string) (*Store, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Config returns a copy of the current settings.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Update applies fn to the settings and saves them. Nothing is saved if
// the result does not validate.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// Save writes the current settings.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(s.cfg)
}

func (s *Store) saveLocked(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return atomicWriteFile(s.path, data, 0o644)
}

// PushRecentRepo moves repo to the front of the recent list and makes it
// the last used repository.
func (s *Store) PushRecentRepo(repo string) error {
	return s.Update(func(c *Config) {
		c.RecentRepos = pushFront(c.RecentRepos, repo, RecentReposMax)
		c.LastRepo = repo
	})
}

// PushRecentBranch moves branch to the front of repo's recent branches.
func (s *Store) PushRecentBranch(repo, branch string) error {
	if branch == "" {
		return nil
	}
	return s.Update(func(c *Config) {
		if c.RecentBranches == nil {
			c.RecentBranches = make(map[string][]string)
		}
		c.RecentBranches[repo] = pushFront(c.RecentBranches[repo], branch, RecentBranchesMax)
	})
}

// RecentRepos returns the recent repositories, most recent first.
func (s *Store) RecentRepos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cfg.RecentRepos)
}

// RecentBranches returns repo's recent branches, most recent first.
func (s *Store) RecentBranches(repo string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cfg.RecentBranches[repo])
}

func pushFront(list []string, item string, max int) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, item)
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}
