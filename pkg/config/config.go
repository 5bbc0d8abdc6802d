package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hoosegow/pkg/bundle"
	"github.com/cuemby/hoosegow/pkg/docker"
	"github.com/cuemby/hoosegow/pkg/transport"
	"github.com/cuemby/hoosegow/pkg/volume"
)

// Config is the hoosegow configuration file.
type Config struct {
	Docker      DockerConfig `yaml:"docker"`
	Image       ImageConfig  `yaml:"image"`
	Bundle      BundleConfig `yaml:"bundle"`
	Log         LogConfig    `yaml:"log"`
	StateDir    string       `yaml:"state_dir"`
	Development bool         `yaml:"development"`
}

// DockerConfig selects the control endpoint and container options.
// Endpoint, Socket and Host/Port are alternative ways to name the
// endpoint; at most one may be set.
type DockerConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	Socket           string            `yaml:"socket"`
	Host             string            `yaml:"host"`
	Port             int               `yaml:"port"`
	APIVersion       string            `yaml:"api_version"`
	Prestart         bool              `yaml:"prestart"`
	LegacyStartBinds bool              `yaml:"legacy_start_binds"`
	CreateOptions    map[string]any    `yaml:"create_options"`
	Volumes          map[string]string `yaml:"volumes"`
	PrepareVolumes   bool              `yaml:"prepare_volumes"`
	VolumesDir       string            `yaml:"volumes_dir"`
	NamePrefix       string            `yaml:"name_prefix"`
	StopTimeout      time.Duration     `yaml:"stop_timeout"`
	LeakThreshold    int               `yaml:"leak_threshold"`
}

// ImageConfig names the sandbox image. An empty Name means the name is
// derived from the bundle contents.
type ImageConfig struct {
	Name string `yaml:"name"`
	Base string `yaml:"base"`
}

// BundleConfig describes the image build context.
type BundleConfig struct {
	Dockerfile string            `yaml:"dockerfile"`
	Vars       map[string]string `yaml:"vars"`
	Add        []bundle.AddRule  `yaml:"add"`
	Exclude    []string          `yaml:"exclude"`
	Compress   bool              `yaml:"compress"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Docker: DockerConfig{
			Prestart:      true,
			NamePrefix:    docker.DefaultNamePrefix,
			StopTimeout:   docker.DefaultStopTimeout,
			LeakThreshold: docker.DefaultLeakThreshold,
		},
		Image: ImageConfig{
			Base: bundle.DefaultBaseName,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	set := 0
	for _, v := range []bool{c.Docker.Endpoint != "", c.Docker.Socket != "", c.Docker.Host != ""} {
		if v {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("docker: only one of endpoint, socket or host may be set")
	}
	if c.Docker.Port != 0 && c.Docker.Host == "" {
		return fmt.Errorf("docker: port requires host")
	}
	if c.Docker.Host != "" && (c.Docker.Port <= 0 || c.Docker.Port > 65535) {
		return fmt.Errorf("docker: host requires a port between 1 and 65535")
	}
	if _, err := transport.ParseEndpoint(c.EndpointURL()); err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	if _, err := volume.ParseMap(c.Docker.Volumes); err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	if c.Docker.StopTimeout < 0 {
		return fmt.Errorf("docker: stop_timeout must not be negative")
	}
	if c.Docker.LeakThreshold < 0 {
		return fmt.Errorf("docker: leak_threshold must not be negative")
	}
	if c.Image.Name == "" && c.Image.Base == "" {
		return fmt.Errorf("image: name or base is required")
	}
	for i, rule := range c.Bundle.Add {
		if rule.Glob == "" {
			return fmt.Errorf("bundle: add[%d]: glob is required", i)
		}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// EndpointURL returns the control endpoint as a URL, or "" for the
// default socket.
func (c *Config) EndpointURL() string {
	switch {
	case c.Docker.Endpoint != "":
		return c.Docker.Endpoint
	case c.Docker.Socket != "":
		return "unix://" + c.Docker.Socket
	case c.Docker.Host != "":
		return "tcp://" + net.JoinHostPort(c.Docker.Host, strconv.Itoa(c.Docker.Port))
	default:
		return ""
	}
}

// DriverConfig converts the docker section into a driver configuration.
// With prepare_volumes set, missing host directories are created.
func (c *Config) DriverConfig() (docker.Config, error) {
	vols, err := volume.ParseMap(c.Docker.Volumes)
	if err != nil {
		return docker.Config{}, err
	}
	if c.Docker.PrepareVolumes && len(vols) > 0 {
		local, err := volume.NewLocalDriver(c.Docker.VolumesDir)
		if err != nil {
			return docker.Config{}, err
		}
		if vols, err = local.Prepare(vols); err != nil {
			return docker.Config{}, err
		}
	}

	return docker.Config{
		Endpoint:         c.EndpointURL(),
		APIVersion:       c.Docker.APIVersion,
		Prestart:         c.Docker.Prestart,
		LegacyStartBinds: c.Docker.LegacyStartBinds,
		CreateOptions:    c.Docker.CreateOptions,
		Volumes:          vols,
		NamePrefix:       c.Docker.NamePrefix,
		StopTimeout:      c.Docker.StopTimeout,
		LeakThreshold:    c.Docker.LeakThreshold,
	}, nil
}

// BundleOptions converts the bundle section into bundle options.
func (c *Config) BundleOptions() bundle.Options {
	return bundle.Options{
		BaseName:   c.Image.Base,
		Dockerfile: c.Bundle.Dockerfile,
		Vars:       c.Bundle.Vars,
		Compress:   c.Bundle.Compress,
		Add:        c.Bundle.Add,
		Exclude:    c.Bundle.Exclude,
	}
}
