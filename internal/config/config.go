// Package config loads cansim process configuration from the environment,
// an optional YAML scenario file and command-line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds cansim command configuration.
type Config struct {
	Iface          string        `env:"CANSIM_IFACE" yaml:"iface"`
	Replay         string        `env:"CANSIM_REPLAY" yaml:"replay"`
	Gen            string        `env:"CANSIM_GEN" yaml:"gen"`
	Modify         string        `env:"CANSIM_MODIFY" yaml:"modify"`
	LogOut         string        `env:"CANSIM_LOG_OUT" yaml:"log_out"`
	Filter         string        `env:"CANSIM_FILTER" yaml:"filter"`
	ReceiveTimeout time.Duration `env:"CANSIM_RECEIVE_TIMEOUT" envDefault:"1s" yaml:"receive_timeout"`
	SendTimeout    time.Duration `env:"CANSIM_SEND_TIMEOUT" envDefault:"1s" yaml:"send_timeout"`
	QueueSize      int           `env:"CANSIM_QUEUE_SIZE" envDefault:"1024" yaml:"queue_size"`
	Linger         time.Duration `env:"CANSIM_LINGER" yaml:"linger"`
	Bitrate        uint          `env:"CANSIM_BITRATE" yaml:"bitrate"`
	BringUp        bool          `env:"CANSIM_BRING_UP" yaml:"bring_up"`
	Verbose        bool          `env:"CANSIM_VERBOSE" yaml:"verbose"`
	Progress       bool          `env:"CANSIM_PROGRESS" yaml:"progress"`
	Scenario       string        `env:"CANSIM_SCENARIO" yaml:"-"`
}

// ParseConfig parses environment, scenario file and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.Iface, "iface", cfg.Iface, "SocketCAN interface, e.g. can0 or vcan0")
	fs.StringVar(&cfg.Replay, "replay", cfg.Replay, "Trace to replay (.csv, .pcap or .db)")
	fs.StringVar(&cfg.Gen, "gen", cfg.Gen, `Generator spec, e.g. "id:0x110:d1:00:d2:3C:freq:10"`)
	fs.StringVar(&cfg.Modify, "modify", cfg.Modify, `Mutation rule, e.g. "id:0x110:byte:2:scale:0.5"`)
	fs.StringVar(&cfg.LogOut, "log-out", cfg.LogOut, "Comma-separated observation outputs (.csv, .pcap or .db)")
	fs.StringVar(&cfg.Filter, "filter", cfg.Filter, `Capture filter, e.g. "100-1FF,!123,ext"`)
	fs.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "Listener receive timeout")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Per-frame send timeout")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Listener queue capacity")
	fs.DurationVar(&cfg.Linger, "linger", cfg.Linger, "Keep listening this long after a replay finishes")
	fs.UintVar(&cfg.Bitrate, "bitrate", cfg.Bitrate, "Set the interface bitrate before opening (0 leaves it unchanged)")
	fs.BoolVar(&cfg.BringUp, "bring-up", cfg.BringUp, "Bring the interface up before opening")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Log every bus operation")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Show a replay progress bar")
	fs.StringVar(&cfg.Scenario, "scenario", cfg.Scenario, "YAML scenario file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Scenario != "" {
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := cfg.mergeScenario(cfg.Scenario, set); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeScenario overlays non-zero scenario values on cfg, except for
// settings given explicitly as flags.
func (cfg *Config) mergeScenario(path string, flagged map[string]bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse scenario %s: %w", path, err)
	}
	str := func(name string, dst *string, v string) {
		if v != "" && !flagged[name] {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration, v time.Duration) {
		if v != 0 && !flagged[name] {
			*dst = v
		}
	}
	str("iface", &cfg.Iface, file.Iface)
	str("replay", &cfg.Replay, file.Replay)
	str("gen", &cfg.Gen, file.Gen)
	str("modify", &cfg.Modify, file.Modify)
	str("log-out", &cfg.LogOut, file.LogOut)
	str("filter", &cfg.Filter, file.Filter)
	dur("receive-timeout", &cfg.ReceiveTimeout, file.ReceiveTimeout)
	dur("send-timeout", &cfg.SendTimeout, file.SendTimeout)
	dur("linger", &cfg.Linger, file.Linger)
	if file.QueueSize != 0 && !flagged["queue-size"] {
		cfg.QueueSize = file.QueueSize
	}
	if file.Bitrate != 0 && !flagged["bitrate"] {
		cfg.Bitrate = file.Bitrate
	}
	if file.BringUp && !flagged["bring-up"] {
		cfg.BringUp = true
	}
	if file.Verbose && !flagged["v"] {
		cfg.Verbose = true
	}
	if file.Progress && !flagged["progress"] {
		cfg.Progress = true
	}
	return nil
}

// Validate checks settings that cannot work together.
func (cfg Config) Validate() error {
	switch {
	case cfg.Iface == "":
		return errors.New("config: an interface is required (-iface or CANSIM_IFACE)")
	case cfg.Replay != "" && cfg.Gen != "":
		return errors.New("config: -replay and -gen are mutually exclusive")
	case cfg.ReceiveTimeout <= 0:
		return errors.New("config: receive timeout must be positive")
	case cfg.SendTimeout <= 0:
		return errors.New("config: send timeout must be positive")
	case cfg.QueueSize <= 0:
		return errors.New("config: queue size must be positive")
	case cfg.Linger < 0:
		return errors.New("config: linger must not be negative")
	}
	return nil
}
