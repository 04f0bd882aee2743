package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// RBW out-of-range policies
const (
	RBWPolicyClamp  = "clamp"
	RBWPolicyReject = "reject"
)

// Config holds all configuration for the application
type Config struct {
	Database    DatabaseConfig
	Server      ServerConfig
	Instrument  InstrumentConfig
	Acquisition AcquisitionConfig
	Spectrum    SpectrumConfig
	Session     SessionConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Env            string
	AllowedOrigins []string
	LogLevel       string
}

// InstrumentConfig holds the digitizer connection settings
type InstrumentConfig struct {
	Address string
	Timeout time.Duration
}

// AcquisitionConfig holds the per-acquisition instrument parameters
type AcquisitionConfig struct {
	Channels           []int
	Decimation         int
	BaseSampleRate     float64
	BufferSize         int
	TriggerSource      string
	TriggerLevel       float64
	TriggerDelay       int
	PollInterval       time.Duration
	TriggerTimeout     time.Duration
	FillTimeout        time.Duration
	ParallelReads      bool
	AttenuationDefault int
	GainModes          map[int]string
}

// SpectrumConfig holds spectral estimation settings
type SpectrumConfig struct {
	RBWDefault float64
	RBWMin     float64
	RBWMax     float64
	RBWPolicy  string
	Mode       string
}

// SessionConfig holds scheduling loop settings
type SessionConfig struct {
	Duration    time.Duration
	Interval    time.Duration
	HistorySize int
}

var keys = []string{
	"DATABASE_URL", "PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "LOG_LEVEL",
	"INSTRUMENT_ADDRESS", "INSTRUMENT_TIMEOUT",
	"CHANNELS", "DECIMATION", "BASE_SAMPLE_RATE", "BUFFER_SIZE",
	"TRIGGER_SOURCE", "TRIGGER_LEVEL", "TRIGGER_DELAY",
	"POLL_INTERVAL", "TRIGGER_TIMEOUT", "FILL_TIMEOUT", "PARALLEL_READS",
	"RBW_DEFAULT", "RBW_MIN", "RBW_MAX", "RBW_POLICY", "SPECTRUM_MODE",
	"ATTENUATION_DEFAULT", "GAIN_MODES",
	"SESSION_DURATION", "ACQUISITION_INTERVAL", "HISTORY_SIZE",
}

// Load loads configuration from environment variables and .env files
func Load() (*Config, error) {
	v := viper.GetViper()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "dev")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INSTRUMENT_ADDRESS", "169.254.56.223:5000")
	v.SetDefault("INSTRUMENT_TIMEOUT", "2s")
	v.SetDefault("CHANNELS", "1,2,3,4")
	v.SetDefault("DECIMATION", 1)
	v.SetDefault("BASE_SAMPLE_RATE", 125e6)
	v.SetDefault("BUFFER_SIZE", 16384)
	v.SetDefault("TRIGGER_SOURCE", "CH1_PE")
	v.SetDefault("TRIGGER_LEVEL", 0.0)
	v.SetDefault("TRIGGER_DELAY", 0)
	v.SetDefault("POLL_INTERVAL", "10ms")
	v.SetDefault("TRIGGER_TIMEOUT", "500ms")
	v.SetDefault("FILL_TIMEOUT", "500ms")
	v.SetDefault("PARALLEL_READS", false)
	v.SetDefault("RBW_DEFAULT", 100e3)
	v.SetDefault("RBW_MIN", 1e3)
	v.SetDefault("RBW_MAX", 1e6)
	v.SetDefault("RBW_POLICY", RBWPolicyClamp)
	v.SetDefault("SPECTRUM_MODE", "db")
	v.SetDefault("ATTENUATION_DEFAULT", 0)
	v.SetDefault("GAIN_MODES", "0:LV,20:HV")
	v.SetDefault("SESSION_DURATION", "0s")
	v.SetDefault("ACQUISITION_INTERVAL", "1s")
	v.SetDefault("HISTORY_SIZE", 32)

	// Read from .env files based on environment
	env := v.GetString("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	v.SetConfigName(".env." + env)
	v.SetConfigType("env")
	v.AddConfigPath(".")

	// Read .env file (ignore error if file doesn't exist)
	_ = v.ReadInConfig()

	// Environment variables override .env file values
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	config, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("instrument", config.Instrument.Address).
		Ints("channels", config.Acquisition.Channels).
		Strs("allowed_origins", config.Server.AllowedOrigins).
		Msg("configuration loaded")

	return config, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	var config Config
	config.Database.URL = v.GetString("DATABASE_URL")
	config.Server.Port = v.GetString("PORT")
	config.Server.Env = v.GetString("ENVIRONMENT")
	config.Server.AllowedOrigins = splitList(v.GetString("ALLOWED_ORIGINS"))
	config.Server.LogLevel = v.GetString("LOG_LEVEL")

	config.Instrument.Address = v.GetString("INSTRUMENT_ADDRESS")
	config.Instrument.Timeout = v.GetDuration("INSTRUMENT_TIMEOUT")

	channels, err := ParseChannels(v.GetString("CHANNELS"))
	if err != nil {
		return nil, err
	}
	modes, err := ParseGainModes(v.GetString("GAIN_MODES"))
	if err != nil {
		return nil, err
	}

	a := &config.Acquisition
	a.Channels = channels
	a.Decimation = v.GetInt("DECIMATION")
	a.BaseSampleRate = v.GetFloat64("BASE_SAMPLE_RATE")
	a.BufferSize = v.GetInt("BUFFER_SIZE")
	a.TriggerSource = v.GetString("TRIGGER_SOURCE")
	a.TriggerLevel = v.GetFloat64("TRIGGER_LEVEL")
	a.TriggerDelay = v.GetInt("TRIGGER_DELAY")
	a.PollInterval = v.GetDuration("POLL_INTERVAL")
	a.TriggerTimeout = v.GetDuration("TRIGGER_TIMEOUT")
	a.FillTimeout = v.GetDuration("FILL_TIMEOUT")
	a.ParallelReads = v.GetBool("PARALLEL_READS")
	a.AttenuationDefault = v.GetInt("ATTENUATION_DEFAULT")
	a.GainModes = modes

	config.Spectrum.RBWDefault = v.GetFloat64("RBW_DEFAULT")
	config.Spectrum.RBWMin = v.GetFloat64("RBW_MIN")
	config.Spectrum.RBWMax = v.GetFloat64("RBW_MAX")
	config.Spectrum.RBWPolicy = strings.ToLower(v.GetString("RBW_POLICY"))
	config.Spectrum.Mode = strings.ToLower(v.GetString("SPECTRUM_MODE"))

	config.Session.Duration = v.GetDuration("SESSION_DURATION")
	config.Session.Interval = v.GetDuration("ACQUISITION_INTERVAL")
	config.Session.HistorySize = v.GetInt("HISTORY_SIZE")

	return &config, nil
}

// Validate rejects inconsistent session parameters
func (c *Config) Validate() error {
	a := c.Acquisition
	s := c.Spectrum

	switch {
	case c.Instrument.Address == "":
		return fmt.Errorf("INSTRUMENT_ADDRESS is required")
	case c.Instrument.Timeout <= 0:
		return fmt.Errorf("INSTRUMENT_TIMEOUT must be positive")
	case len(a.Channels) == 0:
		return fmt.Errorf("at least one channel is required")
	case a.Decimation < 1:
		return fmt.Errorf("DECIMATION must be >= 1, got %d", a.Decimation)
	case !(a.BaseSampleRate > 0) || math.IsInf(a.BaseSampleRate, 0):
		return fmt.Errorf("BASE_SAMPLE_RATE must be positive")
	case a.BufferSize < 2:
		return fmt.Errorf("BUFFER_SIZE must be >= 2, got %d", a.BufferSize)
	case a.PollInterval <= 0:
		return fmt.Errorf("POLL_INTERVAL must be positive")
	case a.TriggerTimeout < 0 || a.FillTimeout < 0:
		return fmt.Errorf("trigger and fill timeouts must not be negative")
	case !(s.RBWMin > 0) || !(s.RBWMax > 0):
		return fmt.Errorf("RBW bounds must be positive")
	case s.RBWMin > s.RBWMax:
		return fmt.Errorf("RBW_MIN (%g) exceeds RBW_MAX (%g)", s.RBWMin, s.RBWMax)
	case s.RBWDefault < s.RBWMin || s.RBWDefault > s.RBWMax:
		return fmt.Errorf("RBW_DEFAULT (%g) outside [%g, %g]", s.RBWDefault, s.RBWMin, s.RBWMax)
	case s.RBWPolicy != RBWPolicyClamp && s.RBWPolicy != RBWPolicyReject:
		return fmt.Errorf("RBW_POLICY must be %q or %q, got %q", RBWPolicyClamp, RBWPolicyReject, s.RBWPolicy)
	case s.Mode != "db" && s.Mode != "amplitude":
		return fmt.Errorf("SPECTRUM_MODE must be db or amplitude, got %q", s.Mode)
	case c.Session.Interval <= 0:
		return fmt.Errorf("ACQUISITION_INTERVAL must be positive")
	case c.Session.Duration < 0:
		return fmt.Errorf("SESSION_DURATION must not be negative")
	case c.Session.HistorySize < 1:
		return fmt.Errorf("HISTORY_SIZE must be >= 1")
	}

	if _, ok := a.GainModes[a.AttenuationDefault]; !ok {
		return fmt.Errorf("ATTENUATION_DEFAULT %d dB is not one of the supported steps", a.AttenuationDefault)
	}
	return nil
}

// ParseChannels parses a comma separated list of 1-based channel indices
func ParseChannels(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for _, f := range splitList(s) {
		ch, err := strconv.Atoi(f)
		if err != nil || ch < 1 {
			return nil, fmt.Errorf("invalid channel %q", f)
		}
		if seen[ch] {
			return nil, fmt.Errorf("duplicate channel %d", ch)
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

// ParseGainModes parses "dB:TOKEN" pairs such as "0:LV,20:HV"
func ParseGainModes(s string) (map[int]string, error) {
	modes := make(map[int]string)
	for _, f := range splitList(s) {
		db, token, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("invalid gain mode %q, expected dB:TOKEN", f)
		}
		n, err := strconv.Atoi(strings.TrimSpace(db))
		if err != nil {
			return nil, fmt.Errorf("invalid attenuation in gain mode %q: %w", f, err)
		}
		token = strings.ToUpper(strings.TrimSpace(token))
		if token == "" {
			return nil, fmt.Errorf("empty gain token in %q", f)
		}
		modes[n] = token
	}
	if len(modes) == 0 {
		return nil, fmt.Errorf("no gain modes configured")
	}
	return modes, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
