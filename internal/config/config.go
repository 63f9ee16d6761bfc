package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// EnvPrefix is the prefix of all environment variables which override
	// values of the configuration file.
	EnvPrefix = "clusterrunner"

	// defaultBaseDirectoryName is the name of the directory created in the
	// user's home directory if no base directory has been configured.
	defaultBaseDirectoryName = ".clusterrunner"
)

// Cfg is a container for all config derived from the configuration file
// and the environment.
type Cfg struct {
	BaseDirectory    string     `toml:"base_directory" split_words:"true"`
	RepoDirectory    string     `toml:"repo_directory" split_words:"true"`
	TimingsDirectory string     `toml:"timings_directory" split_words:"true"`
	MasterHostname   string     `toml:"master_hostname" split_words:"true"`
	Git              Git        `toml:"git" envconfig:"git"`
	Logging          Logging    `toml:"logging" envconfig:"logging"`
	Prometheus       Prometheus `toml:"prometheus" ignored:"true"`
}

// Git contains the settings for the Git executable
type Git struct {
	BinPath string `toml:"bin_path" split_words:"true"`
	// StrictHostKeyChecking is passed verbatim to every SSH connection git
	// opens, so that unattended nodes never depend on the local SSH defaults.
	StrictHostKeyChecking bool `toml:"strict_host_key_checking" split_words:"true"`
}

// Logging contains the logging configuration
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Prometheus contains additional configuration data for prometheus
type Prometheus struct {
	// SyncLatencyBuckets configures the histogram buckets used for
	// repository synchronization latency measurements.
	SyncLatencyBuckets []float64 `toml:"sync_latency_buckets"`
}

// DefaultSyncLatencyBuckets are used when no buckets have been configured.
var DefaultSyncLatencyBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}

// Load initializes a Cfg from file and the environment.
// Environment variables take precedence over the file.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %v", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %v", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return Cfg{}, err
	}

	return cfg, nil
}

// LoadFile opens the configuration file at path and loads it via Load.
func LoadFile(path string) (Cfg, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return Cfg{}, err
	}
	defer cfgFile.Close()

	return Load(cfgFile)
}

// Validate checks the current Config for sanity.
func (cfg *Cfg) Validate() error {
	for _, run := range []func() error{
		cfg.validateDirectories,
		cfg.validateMasterHostname,
		cfg.validateGit,
		cfg.validateLogging,
		cfg.validatePrometheus,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Cfg) setDefaults() error {
	if cfg.BaseDirectory == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determine base directory: %w", err)
		}
		cfg.BaseDirectory = filepath.Join(home, defaultBaseDirectoryName)
	}

	if cfg.RepoDirectory == "" {
		cfg.RepoDirectory = filepath.Join(cfg.BaseDirectory, "repos", "master")
	}

	if cfg.TimingsDirectory == "" {
		cfg.TimingsDirectory = filepath.Join(cfg.BaseDirectory, "timings")
	}

	if cfg.MasterHostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine master hostname: %w", err)
		}
		cfg.MasterHostname = hostname
	}

	if len(cfg.Prometheus.SyncLatencyBuckets) == 0 {
		cfg.Prometheus.SyncLatencyBuckets = DefaultSyncLatencyBuckets
	}

	cfg.BaseDirectory = filepath.Clean(cfg.BaseDirectory)
	cfg.RepoDirectory = filepath.Clean(cfg.RepoDirectory)
	cfg.TimingsDirectory = filepath.Clean(cfg.TimingsDirectory)

	return nil
}

func (cfg *Cfg) validateDirectories() error {
	for _, dir := range []struct {
		name, path string
	}{
		{name: "base_directory", path: cfg.BaseDirectory},
		{name: "repo_directory", path: cfg.RepoDirectory},
		{name: "timings_directory", path: cfg.TimingsDirectory},
	} {
		if dir.path == "" {
			return fmt.Errorf("%s is not set", dir.name)
		}

		if !filepath.IsAbs(dir.path) {
			return fmt.Errorf("%s must be an absolute path: %q", dir.name, dir.path)
		}

		log.WithField("dir", dir.path).Debugf("%s set", dir.name)
	}

	return nil
}

func (cfg *Cfg) validateMasterHostname() error {
	if cfg.MasterHostname == "" {
		return errors.New("master_hostname is not set")
	}

	if strings.ContainsAny(cfg.MasterHostname, "/ \t\n") {
		return fmt.Errorf("master_hostname is not a valid host: %q", cfg.MasterHostname)
	}

	return nil
}

// SetGitPath populates Git.BinPath with the path to the `git` executable.
// It warns if no path was specified in the configuration.
func (cfg *Cfg) SetGitPath() error {
	if cfg.Git.BinPath != "" {
		return nil
	}

	resolvedPath, err := exec.LookPath("git")
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"resolvedPath": resolvedPath,
	}).Warn("git path not configured. Using default path resolution")

	cfg.Git.BinPath = resolvedPath

	return nil
}

func (cfg *Cfg) validateGit() error {
	if err := cfg.SetGitPath(); err != nil {
		return err
	}

	return checkExecutable(cfg.Git.BinPath)
}

func checkExecutable(path string) error {
	if err := unix.Access(path, unix.X_OK); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("not executable: %v", path)
		}
		return err
	}

	return nil
}

func (cfg *Cfg) validateLogging() error {
	switch cfg.Logging.Format {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid logging format: %q", cfg.Logging.Format)
	}
}

func (cfg *Cfg) validatePrometheus() error {
	buckets := cfg.Prometheus.SyncLatencyBuckets
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			return fmt.Errorf("prometheus.sync_latency_buckets must be sorted in increasing order: %v", buckets)
		}
	}

	return nil
}
