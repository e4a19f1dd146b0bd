// Package config loads malaria's YAML configuration file: the target
// broker, message-generation parameters, worker/bridge topology and
// report output, the way the teacher's own config package loads its
// load-test YAML.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for a publish or subscribe run.
type Config struct {
	Target  TargetConfig  `mapstructure:"target"`
	Message MessageConfig `mapstructure:"message"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Listen  ListenConfig  `mapstructure:"listen"`
	Report  ReportConfig  `mapstructure:"report"`
}

// TargetConfig is the MQTT broker malaria publishes to or listens on.
type TargetConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	ClientID   string        `mapstructure:"client_id"`
	QoS        int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MessageConfig controls the generator pipeline (C1): how many
// messages, what size, whether to prepend timing info, and at what
// (optionally jittered) rate to emit them.
type MessageConfig struct {
	Count         int     `mapstructure:"count"`
	Size          int     `mapstructure:"size"`
	Timing        bool    `mapstructure:"timing"`
	MsgsPerSecond float64 `mapstructure:"msgs_per_second"`
	Jitter        float64 `mapstructure:"jitter"`
}

// WorkerConfig controls the fan-out of parallel publishers (C5).
type WorkerConfig struct {
	Processes int    `mapstructure:"processes"`
	PSKFile   string `mapstructure:"psk_file"`
}

// BridgeConfig controls the optional local-broker bridging mode (C6).
type BridgeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BrokerPath  string `mapstructure:"broker_path"`
	ThreadRatio int    `mapstructure:"thread_ratio"`
}

// AuthConfig holds optional broker credentials, or a PSK "id:key" pair
// for bridge mode.
type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	PSK      string `mapstructure:"psk"`
}

// ListenConfig configures a TrackingListener (C4) run.
type ListenConfig struct {
	Topic       string `mapstructure:"topic"`
	MsgCount    int    `mapstructure:"msg_count"`
	ClientCount int    `mapstructure:"client_count"`
}

// ReportConfig controls where stats are printed/dumped.
type ReportConfig struct {
	JSONOutput string `mapstructure:"json_output"`
}

// Load reads and unmarshals the YAML config at path, applying defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// setDefaults fills in the values malaria has always defaulted to,
// mirroring the original CLI's argparse defaults (host localhost, port
// 1883, qos 1, msg_count 10, msg_size 100, 1 process).
func setDefaults(cfg *Config) {
	if cfg.Target.Host == "" {
		cfg.Target.Host = "localhost"
	}
	if cfg.Target.Port == 0 {
		cfg.Target.Port = 1883
	}
	if cfg.Target.ConnectTimeout == 0 {
		cfg.Target.ConnectTimeout = 15 * time.Second
	}
	if cfg.Target.QoS == 0 {
		cfg.Target.QoS = 1
	}
	if cfg.Message.Count == 0 {
		cfg.Message.Count = 10
	}
	if cfg.Message.Size == 0 {
		cfg.Message.Size = 100
	}
	if cfg.Worker.Processes == 0 {
		cfg.Worker.Processes = 1
	}
	if cfg.Bridge.ThreadRatio == 0 {
		cfg.Bridge.ThreadRatio = 1
	}
	if cfg.Bridge.BrokerPath == "" {
		cfg.Bridge.BrokerPath = "mosquitto"
	}
	if cfg.Listen.Topic == "" {
		cfg.Listen.Topic = "mqtt-malaria/#"
	}
}

// BrokerAddr returns "host:port" for the configured target.
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.Target.Host, c.Target.Port)
}
