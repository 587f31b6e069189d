package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/fedemsync/internal/env"
	"github.com/loykin/fedemsync/internal/logger"
)

// EnvPrefix is the prefix of environment variables overriding file settings,
// e.g. FEDEMSYNC_SOLVER_DIR for solver.dir.
const EnvPrefix = "FEDEMSYNC"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "fedemsync.toml"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	Solver   SolverConfig   `toml:"solver" mapstructure:"solver"`
	Analysis AnalysisConfig `toml:"analysis" mapstructure:"analysis"`
	Registry RegistryConfig `toml:"registry" mapstructure:"registry"`
	RDB      RDBConfig      `toml:"rdb" mapstructure:"rdb"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
}

type SolverConfig struct {
	Dir          string   `toml:"dir" mapstructure:"dir"`
	SearchDirs   []string `toml:"search_dirs" mapstructure:"search_dirs"`
	RemotePrefix []string `toml:"remote_prefix" mapstructure:"remote_prefix"`
	WorkDir      string   `toml:"workdir" mapstructure:"workdir"`
}

type AnalysisConfig struct {
	Model string  `toml:"model" mapstructure:"model"`
	Start float64 `toml:"start" mapstructure:"start"`
	Stop  float64 `toml:"stop" mapstructure:"stop"`
	Incr  float64 `toml:"incr" mapstructure:"incr"`
	Modes int     `toml:"modes" mapstructure:"modes"`
}

type RegistryConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type RDBConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	Dirs     []string      `toml:"dirs" mapstructure:"dirs"`
	Patterns []string      `toml:"patterns" mapstructure:"patterns"`
	Watch    bool          `toml:"watch" mapstructure:"watch"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	// DSNs select the run history sinks: sqlite path, postgres:// or clickhouse://.
	DSNs []string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("analysis.start", 0.0)
	v.SetDefault("analysis.stop", 1.0)
	v.SetDefault("analysis.incr", 0.01)
	v.SetDefault("analysis.modes", 10)
	v.SetDefault("registry.interval", "1s")
	v.SetDefault("rdb.interval", "500ms")
	v.SetDefault("rdb.patterns", []string{"*.frs"})
	v.SetDefault("rdb.watch", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path. An empty path loads DefaultFile when present and falls back
// to defaults and environment overrides otherwise.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", DefaultFile, err)
			}
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) validate() error {
	if fc.Registry.Interval <= 0 {
		return fmt.Errorf("registry.interval must be positive, got %s", fc.Registry.Interval)
	}
	if fc.RDB.Interval <= 0 {
		return fmt.Errorf("rdb.interval must be positive, got %s", fc.RDB.Interval)
	}
	if fc.Analysis.Stop < fc.Analysis.Start {
		return fmt.Errorf("analysis.stop %g before analysis.start %g", fc.Analysis.Stop, fc.Analysis.Start)
	}
	for _, p := range fc.RDB.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("rdb.patterns: %q: %w", p, err)
		}
	}
	return nil
}

// LoggerConfig maps the [log] section onto the logger package.
func (fc *FileConfig) LoggerConfig() logger.Config {
	l := fc.Log
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		File: logger.FileConfig{
			Dir:        l.Dir,
			StdoutPath: l.Stdout,
			StderrPath: l.Stderr,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// SearchDirs returns solver.dir followed by solver.search_dirs.
func (fc *FileConfig) SearchDirs() []string {
	var out []string
	if fc.Solver.Dir != "" {
		out = append(out, fc.Solver.Dir)
	}
	return append(out, fc.Solver.SearchDirs...)
}

// GlobalEnv merges env from config: optional OS env as the base, then
// env_files contents in order, then the top-level env list. References such
// as ${VAR} are expanded against the merged set.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	e := env.Bare()
	if fc.UseOSEnv {
		e.FromOS()
	}
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e.SetKVs(pairs)
	}
	e.SetKVs(fc.Env)
	return e.Merge(nil), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
