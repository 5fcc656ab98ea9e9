// Package config is the YAML node configuration shared by every dynsync
// command: where the server listens, how a client identifies itself and
// what a simulation runs.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/dynsync/internal/engine"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
)

const (
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 7000
	DefaultClientID  = "7500"
	DefaultStepSize  = engine.DefaultStepSize
	DefaultTimeout   = protocol.DefaultTimeout
	DefaultSyncEvery = 1
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Simulation SimulationConfig `yaml:"simulation"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL is the websocket base URL clients dial.
func (s ServerConfig) URL() string {
	return "ws://" + s.Addr()
}

type ClientConfig struct {
	// Port identifies the client to the server.
	Port     string               `yaml:"port"`
	Timeout  time.Duration        `yaml:"timeout"`
	MetaData protocol.MetaData    `yaml:"meta_data"`
	Send     *schema.Declarations `yaml:"send,omitempty"`
	Receive  *schema.Declarations `yaml:"receive,omitempty"`
}

type SimulationConfig struct {
	Name           string               `yaml:"name"`
	Scene          string               `yaml:"scene"`
	StepSize       float64              `yaml:"step_size"`
	RealTimeFactor float64              `yaml:"real_time_factor"`
	Headless       bool                 `yaml:"headless"`
	Instances      int                  `yaml:"instances"`
	SyncEvery      int                  `yaml:"sync_every"`
	Constraints    engine.Constraints   `yaml:"constraints"`
	Write          *schema.Declarations `yaml:"write,omitempty"`
	Read           *schema.Declarations `yaml:"read,omitempty"`
}

func DefaultConfig() *Config {
	md := protocol.DefaultMetaData()
	md.SimulationName = "dynsync"
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ShutdownTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			Port:     DefaultClientID,
			Timeout:  DefaultTimeout,
			MetaData: md,
		},
		Simulation: SimulationConfig{
			Name:           "dynsync",
			StepSize:       DefaultStepSize,
			RealTimeFactor: 1,
			Instances:      1,
			SyncEvery:      DefaultSyncEvery,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// overlay holds the raw DYNSYNC_* variables.
type overlay struct {
	ServerHost     string        `env:"SERVER_HOST"`
	ServerPort     int           `env:"SERVER_PORT"`
	ClientPort     string        `env:"CLIENT_PORT"`
	ClientTimeout  time.Duration `env:"CLIENT_TIMEOUT"`
	WorldName      string        `env:"WORLD_NAME"`
	SimulationName string        `env:"SIMULATION_NAME"`
	Scene          string        `env:"SCENE"`
	StepSize       float64       `env:"STEP_SIZE"`
	RealTimeFactor float64       `env:"REAL_TIME_FACTOR"`
	Headless       *bool         `env:"HEADLESS"`
}

// EnvPrefix prefixes every variable read by ApplyEnv.
const EnvPrefix = "DYNSYNC_"

// ApplyEnv overrides cfg with the DYNSYNC_* variables that are set.
func ApplyEnv(cfg *Config) error {
	var o overlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	setString(&cfg.Server.Host, o.ServerHost)
	if o.ServerPort != 0 {
		cfg.Server.Port = o.ServerPort
	}
	setString(&cfg.Client.Port, o.ClientPort)
	if o.ClientTimeout != 0 {
		cfg.Client.Timeout = o.ClientTimeout
	}
	setString(&cfg.Client.MetaData.WorldName, o.WorldName)
	setString(&cfg.Client.MetaData.SimulationName, o.SimulationName)
	setString(&cfg.Simulation.Scene, o.Scene)
	if o.StepSize != 0 {
		cfg.Simulation.StepSize = o.StepSize
	}
	if o.RealTimeFactor != 0 {
		cfg.Simulation.RealTimeFactor = o.RealTimeFactor
	}
	if o.Headless != nil {
		cfg.Simulation.Headless = *o.Headless
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the values every command relies on.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	md := c.Client.MetaData
	if err := md.Validate(); err != nil {
		return fmt.Errorf("config: client meta_data: %w", err)
	}
	c.Client.MetaData = md
	if c.Simulation.StepSize < 0 {
		return fmt.Errorf("config: step_size must be positive, got %g", c.Simulation.StepSize)
	}
	if c.Simulation.Instances < 0 {
		return fmt.Errorf("config: instances must be positive, got %d", c.Simulation.Instances)
	}
	return nil
}

// ProtocolClient builds the client configuration for this node.
func (c *Config) ProtocolClient() protocol.ClientConfig {
	return protocol.ClientConfig{
		ServerURL: c.Server.URL(),
		Port:      c.Client.Port,
		MetaData:  c.Client.MetaData,
		Timeout:   c.Client.Timeout,
	}
}

// EngineOptions builds engine options for the simulation section. The
// simulation name doubles as the API namespace.
func (c *Config) EngineOptions() engine.Options {
	s := c.Simulation
	return engine.Options{
		Name:           s.Name,
		File:           s.Scene,
		StepSize:       s.StepSize,
		RealTimeFactor: s.RealTimeFactor,
		Headless:       s.Headless,
		Instances:      s.Instances,
		Write:          s.Write.Clone(),
		Read:           s.Read.Clone(),
	}
}
