package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"pwmcap/core"
)

// Config is the node configuration file.
type Config struct {
	Serial   SerialConfig   `toml:"serial"`
	Log      LogConfig      `toml:"log"`
	PWM      PWMConfig      `toml:"pwm"`
	Simulate SimulateConfig `toml:"simulate"`
}

type SerialConfig struct {
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	Color      bool   `toml:"color"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Trace      bool   `toml:"trace"` // route capture debug output to the log
}

// PWMConfig locates the capture channel. Base is the physical address of the
// channel's register window.
type PWMConfig struct {
	Base           uint64 `toml:"base"`
	Channel        int    `toml:"channel"`
	UIO            string `toml:"uio"`
	ClockRate      uint64 `toml:"clock_rate"` // fixed rate, overrides ClockDir
	ClockDir       string `toml:"clock_dir"`  // debugfs clock directory of "pwm"
	BusClockDir    string `toml:"bus_clock_dir"`
	PollIterations int    `toml:"poll_iterations"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
}

// SimulateConfig replaces the hardware with an emulated signal.
type SimulateConfig struct {
	Enabled   bool   `toml:"enabled"`
	HighTicks uint32 `toml:"high_ticks"`
	LowTicks  uint32 `toml:"low_ticks"`
	ClockRate uint64 `toml:"clock_rate"`
}

// DefaultConfig returns the configuration used for keys the file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{Baud: 250000},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		PWM: PWMConfig{
			UIO:            "/dev/uio0",
			PollIterations: core.DefaultPollIterations,
			PollIntervalMs: int(core.DefaultPollInterval / time.Millisecond),
		},
		Simulate: SimulateConfig{
			HighTicks: 70,
			LowTicks:  30,
			ClockRate: 64000,
		},
	}
}

// LoadConfig reads a TOML file over the defaults, applies overrides such as
// command line flags, then validates. An empty path gives the defaults alone.
func LoadConfig(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
		}
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return errors.New("serial.device is required")
	}
	if c.PWM.Channel < 0 || c.PWM.Channel > core.MaxCaptureChannel {
		return errors.Errorf("pwm.channel %d out of range 0..%d", c.PWM.Channel, core.MaxCaptureChannel)
	}
	if c.Simulate.Enabled {
		return nil
	}
	if c.PWM.Base == 0 {
		return errors.New("pwm.base is required unless simulate.enabled is set")
	}
	if c.PWM.ClockRate == 0 && c.PWM.ClockDir == "" {
		return errors.New("one of pwm.clock_rate or pwm.clock_dir is required")
	}
	return nil
}

// CaptureConfig returns the session settings for the capture channel.
func (c *Config) CaptureConfig() core.CaptureConfig {
	return core.CaptureConfig{
		PollIterations: c.PWM.PollIterations,
		PollInterval:   time.Duration(c.PWM.PollIntervalMs) * time.Millisecond,
	}
}
