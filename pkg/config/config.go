package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adammck/dicer/pkg/api"
	"github.com/adammck/dicer/pkg/policyfile"
	"github.com/adammck/dicer/pkg/registry"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file which is loaded, if it exists, when no other
// file is given.
const DefaultFile = ".dicer.yaml"

// ErrNoPolicyFile is returned by PolicyFile when no policy was configured and
// none could be found.
var ErrNoPolicyFile = errors.New("no ID policy file found")

// Config defines the behavior of the tools. Every field can also be set by a
// flag, which takes precedence.
type Config struct {

	// Path to the ID policy file. If empty, the single *-idranges.owl file in
	// the working directory is used.
	Policy string `yaml:"policy"`

	// Owners whose range is used when none is requested, in order.
	DefaultRanges []string `yaml:"default_ranges"`

	// Width of IDs generated from an explicit prefix (rather than a policy).
	Width int `yaml:"width"`

	// Size of ranges added to a policy.
	RangeSize int `yaml:"range_size"`

	Consul ConsulConfig `yaml:"consul"`
	Log    LogConfig    `yaml:"log"`
}

type ConsulConfig struct {

	// Address of the agent. Empty means the Consul API default, which also
	// honors CONSUL_HTTP_ADDR.
	Address string `yaml:"address"`

	// Root key of the policy. Empty means the policy is in a file.
	Key string `yaml:"key"`

	// How long to wait between attempts, when a concurrent allocation
	// conflicts with ours, and how many attempts to make.
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		DefaultRanges: []string{"dicer"},
		Width:         registry.DefaultWidth,
		RangeSize:     10000,
		Consul: ConsulConfig{
			RetryInterval: 250 * time.Millisecond,
			MaxAttempts:   5,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Load returns the default config, overlaid with the given YAML file. If path
// is empty, DefaultFile is loaded if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err != nil {
			return cfg, nil
		}

		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.Width < 1 || cfg.Width > 9 {
		return api.Errorf(api.ErrInvalidArgument, "width value out of bounds: %d", cfg.Width)
	}

	if cfg.RangeSize < 1 {
		return api.Errorf(api.ErrInvalidArgument, "invalid range size: %d", cfg.RangeSize)
	}

	if cfg.Consul.MaxAttempts < 1 {
		return api.Errorf(api.ErrInvalidArgument, "invalid max attempts: %d", cfg.Consul.MaxAttempts)
	}

	return nil
}

// PolicyFile returns the configured policy file or, if there isn't one, the
// only file in dir whose name ends in -idranges.owl.
func (cfg Config) PolicyFile(dir string) (string, error) {
	if cfg.Policy != "" {
		return cfg.Policy, nil
	}

	return FindPolicyFile(dir)
}

// FindPolicyFile returns the path of the only policy file in dir. It's an
// error for there to be none, or more than one.
func FindPolicyFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	found := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), policyfile.Suffix) {
			found = append(found, e.Name())
		}
	}

	switch len(found) {
	case 0:
		return "", ErrNoPolicyFile

	case 1:
		if dir == "." || dir == "" {
			return found[0], nil
		}
		return filepath.Join(dir, found[0]), nil
	}

	sort.Strings(found)
	return "", fmt.Errorf("%w: more than one candidate (%s)", ErrNoPolicyFile, strings.Join(found, ", "))
}

// Range returns the range of the requested owner or, if owner is empty, of
// the first default owner which has one.
func (cfg Config) Range(reg *registry.Registry, owner string) (api.Range, error) {
	if owner != "" {
		return reg.Get(owner)
	}

	return reg.GetAny(cfg.DefaultRanges)
}
