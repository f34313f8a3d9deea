// Package config loads and saves the receiver settings kept between runs.
//
// Settings live in an INI file with one section per concern. A missing file
// is created with defaults. Environment variables prefixed with DABSDR_
// override individual keys after the file is read.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rjboer/GoDAB/internal/logging"
	"github.com/rjboer/GoDAB/internal/sdr"
)

const (
	// EnvFile names the environment variable holding the config path.
	EnvFile     = "DABSDR_CONFIG_FILE"
	DefaultFile = "dabsdr.ini"
)

// Device selects the receiver and what it tunes to.
type Device struct {
	Name string
	// Channel is a Band III label like "12C"; it wins over Frequency.
	Channel   string
	Frequency int64
}

// Pluto mirrors sdr.PlutoConfig plus the discovery and SSH fallback knobs.
type Pluto struct {
	URI         string `ini:"uri"`
	Discover    bool
	Bandwidth   int64
	SampleRate  int64
	RFPort      string `ini:"rf_port"`
	Gain        int
	AGC         bool `ini:"agc"`
	BufferSize  int
	SSHHost     string `ini:"ssh_host"`
	SSHUser     string `ini:"ssh_user"`
	SSHPassword string `ini:"ssh_password"`
	SSHKey      string `ini:"ssh_key"`
}

type RTLSDR struct {
	Index      int
	SampleRate int
	Gain       int
	AGC        bool `ini:"agc"`
}

type Replay struct {
	Path       string
	Format     string
	SampleRate float64
	Loop       bool
	Realtime   bool
}

type Mock struct {
	ToneOffset float64
	Amplitude  float64
	NoiseLevel float64
}

// Acquisition tunes the ring and the worker.
type Acquisition struct {
	RingCapacity int
	BatchSize    int
	StopTimeout  time.Duration
}

type Telemetry struct {
	WebAddr      string
	HistoryLimit int
	SpectrumSize int
	Interval     time.Duration
	Stdout       bool
}

type Log struct {
	Level  string
	Format string
}

// Config is the whole settings file.
type Config struct {
	Device      Device
	Pluto       Pluto
	RTLSDR      RTLSDR `ini:"rtlsdr"`
	Replay      Replay
	Mock        Mock
	Acquisition Acquisition
	Telemetry   Telemetry
	Log         Log
}

// Default returns the settings used for a fresh install.
func Default() Config {
	return Config{
		Device: Device{Name: "pluto", Channel: "12C"},
		Pluto: Pluto{
			URI:        sdr.DefaultPlutoURI,
			Bandwidth:  sdr.DefaultPlutoBandwidth,
			SampleRate: sdr.DefaultPlutoSampleRate,
			RFPort:     sdr.DefaultPlutoRFPort,
			Gain:       sdr.DefaultPlutoGain,
			BufferSize: sdr.DefaultPlutoBufferSize,
			SSHUser:    "root",
		},
		RTLSDR: RTLSDR{SampleRate: 2_048_000, AGC: true},
		Replay: Replay{Format: "s16le", SampleRate: 2_048_000, Loop: true, Realtime: true},
		Mock:   Mock{ToneOffset: 100_000, Amplitude: 0.5, NoiseLevel: 0.01},
		Acquisition: Acquisition{
			RingCapacity: sdr.DefaultRingCapacity,
			BatchSize:    sdr.DefaultBatchSize,
			StopTimeout:  sdr.DefaultStopTimeout,
		},
		Telemetry: Telemetry{
			WebAddr:      ":8080",
			HistoryLimit: 500,
			SpectrumSize: 2048,
			Interval:     time.Second,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Location picks the config path: flag, then $DABSDR_CONFIG_FILE, then the
// default file name in the working directory.
func Location(flagValue string, lookup func(string) (string, bool)) string {
	if flagValue != "" {
		return flagValue
	}
	if v, ok := lookup(EnvFile); ok && v != "" {
		return v
	}
	return DefaultFile
}

// Load reads path over the defaults. When path does not exist the defaults
// are written there and returned.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := ini.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := Save(path, cfg); err != nil {
				return Config{}, err
			}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	f.NameMapper = ini.TitleUnderscore
	if err := f.StrictMapTo(&cfg); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	for _, o := range cfg.optionalStrings() {
		if sec := f.Section(o.section); sec.HasKey(o.key) && sec.Key(o.key).String() == "" {
			*o.dst = ""
		}
	}
	return cfg, nil
}

type optionalString struct {
	section, key string
	dst          *string
}

// optionalStrings lists keys where an empty value means "off". The mapper
// keeps the default for empty strings, so Load clears these by hand.
func (c *Config) optionalStrings() []optionalString {
	return []optionalString{
		{"device", "channel", &c.Device.Channel},
		{"pluto", "uri", &c.Pluto.URI},
		{"pluto", "ssh_user", &c.Pluto.SSHUser},
		{"telemetry", "web_addr", &c.Telemetry.WebAddr},
	}
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	f := ini.Empty()
	if err := ini.ReflectFromWithMapper(f, &cfg, ini.TitleUnderscore); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// durations reflect as nanoseconds
	f.Section("acquisition").Key("stop_timeout").SetValue(cfg.Acquisition.StopTimeout.String())
	f.Section("telemetry").Key("interval").SetValue(cfg.Telemetry.Interval.String())

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from DABSDR_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DABSDR_DEVICE", &cfg.Device.Name)
	str("DABSDR_CHANNEL", &cfg.Device.Channel)
	if v, ok := lookup("DABSDR_FREQUENCY"); ok {
		hz, err := ParseFrequency(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DABSDR_FREQUENCY: %w", err))
		} else {
			cfg.Device.Frequency = hz
			cfg.Device.Channel = ""
		}
	}
	str("DABSDR_PLUTO_URI", &cfg.Pluto.URI)
	boolean("DABSDR_PLUTO_DISCOVER", &cfg.Pluto.Discover)
	integer("DABSDR_PLUTO_GAIN", &cfg.Pluto.Gain)
	boolean("DABSDR_PLUTO_AGC", &cfg.Pluto.AGC)
	str("DABSDR_PLUTO_SSH_HOST", &cfg.Pluto.SSHHost)
	str("DABSDR_PLUTO_SSH_PASSWORD", &cfg.Pluto.SSHPassword)
	integer("DABSDR_RTLSDR_INDEX", &cfg.RTLSDR.Index)
	str("DABSDR_REPLAY_PATH", &cfg.Replay.Path)
	str("DABSDR_WEB_ADDR", &cfg.Telemetry.WebAddr)
	str("DABSDR_LOG_LEVEL", &cfg.Log.Level)
	str("DABSDR_LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Frequency resolves the tuning target: the channel when set, otherwise
// Device.Frequency.
func (c Config) Frequency() (int64, error) {
	if c.Device.Channel != "" {
		return ChannelFrequency(c.Device.Channel)
	}
	if c.Device.Frequency <= 0 {
		return 0, fmt.Errorf("%w: no channel or frequency configured", sdr.ErrInvalidFrequency)
	}
	return c.Device.Frequency, nil
}

// Logger builds the process logger described by the [log] section.
func (c Config) Logger(out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Log.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, out), nil
}

// SDR converts the settings into the form sdr.Open expects.
func (c Config) SDR() (sdr.Config, error) {
	hz, err := c.Frequency()
	if err != nil {
		return sdr.Config{}, err
	}

	out := sdr.Config{
		Device:       c.Device.Name,
		Frequency:    hz,
		RingCapacity: c.Acquisition.RingCapacity,
		BatchSize:    c.Acquisition.BatchSize,
		StopTimeout:  c.Acquisition.StopTimeout,
		Pluto: sdr.PlutoConfig{
			URI:        c.Pluto.URI,
			Frequency:  hz,
			Bandwidth:  c.Pluto.Bandwidth,
			SampleRate: c.Pluto.SampleRate,
			RFPort:     c.Pluto.RFPort,
			Gain:       c.Pluto.Gain,
			AGC:        c.Pluto.AGC,
			BufferSize: c.Pluto.BufferSize,
		},
		RTLSDR: sdr.RTLSDRConfig{
			Index:      c.RTLSDR.Index,
			SampleRate: c.RTLSDR.SampleRate,
			Gain:       c.RTLSDR.Gain,
			Auto:       c.RTLSDR.AGC,
		},
		Replay: sdr.ReplayConfig{
			Path:       c.Replay.Path,
			Format:     c.Replay.Format,
			SampleRate: c.Replay.SampleRate,
			Frequency:  hz,
			Loop:       c.Replay.Loop,
			Realtime:   c.Replay.Realtime,
		},
		Mock: sdr.MockConfig{
			SampleRate: float64(c.Pluto.SampleRate),
			ToneOffset: c.Mock.ToneOffset,
			Amplitude:  c.Mock.Amplitude,
			NoiseLevel: c.Mock.NoiseLevel,
			Frequency:  hz,
			Realtime:   true,
		},
	}
	if c.Pluto.SSHHost != "" {
		out.Pluto.SSH = &sdr.SSHConfig{
			Host:     c.Pluto.SSHHost,
			User:     c.Pluto.SSHUser,
			Password: c.Pluto.SSHPassword,
			KeyPath:  c.Pluto.SSHKey,
		}
	}
	return out, nil
}

// SampleRate returns the rate of the selected device in Hz.
func (c Config) SampleRate() float64 {
	switch strings.ToLower(c.Device.Name) {
	case "rtlsdr":
		return float64(c.RTLSDR.SampleRate)
	case "replay":
		return c.Replay.SampleRate
	default:
		return float64(c.Pluto.SampleRate)
	}
}
