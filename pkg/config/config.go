// Package config loads the static configuration of the power meter.
//
// Files are YAML; JSON files are accepted too since JSON is valid YAML.
// Fields missing from the file keep the values of their `default` tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid config")

// Source kinds.
const (
	SourceSine     = "sine"
	SourceConstant = "constant"
	SourceTrainer  = "trainer"
)

// AppConfig is the content of the configuration file. These values do not
// change while the program runs.
type AppConfig struct {
	ServerAdapterID int    `json:"server_adapter_id" yaml:"server_adapter_id" default:"0"`
	DeviceName      string `json:"device_name" yaml:"device_name" default:"Argus Power"`
	Manufacturer    string `json:"manufacturer" yaml:"manufacturer" default:"Argus Framework"`
	Model           string `json:"model" yaml:"model" default:"ArgusPowerV1"`
	LogLevel        string `json:"log_level" yaml:"log_level" default:"info"`

	UpdatePeriod    time.Duration `json:"update_period" yaml:"update_period" default:"250ms"`
	NotifyQueueSize int           `json:"notify_queue_size" yaml:"notify_queue_size" default:"4"`

	Advertising AdvertisingConfig `json:"advertising" yaml:"advertising"`
	Source      SourceConfig      `json:"source" yaml:"source"`
	Web         WebConfig         `json:"web" yaml:"web"`
	Journal     JournalConfig     `json:"journal" yaml:"journal"`
}

// AdvertisingConfig holds the advertising timing.
type AdvertisingConfig struct {
	IntervalMin time.Duration `json:"interval_min" yaml:"interval_min" default:"100ms"`
	IntervalMax time.Duration `json:"interval_max" yaml:"interval_max" default:"150ms"`
	// Timeout stops each advertisement after this long; 0 advertises forever.
	Timeout    time.Duration `json:"timeout" yaml:"timeout" default:"0s"`
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff" default:"30s"`
}

// SourceConfig selects where the notified power comes from.
type SourceConfig struct {
	Kind           string        `json:"kind" yaml:"kind" default:"sine"`
	BaseWatts      int16         `json:"base_watts" yaml:"base_watts" default:"200"`
	AmplitudeWatts int16         `json:"amplitude_watts" yaml:"amplitude_watts" default:"50"`
	Cycle          time.Duration `json:"cycle" yaml:"cycle" default:"10s"`
	ConstantWatts  int16         `json:"constant_watts" yaml:"constant_watts" default:"150"`
	TrainerMAC     string        `json:"trainer_mac" yaml:"trainer_mac"`
	ClientAdapter  int           `json:"client_adapter_id" yaml:"client_adapter_id" default:"1"`
}

// WebConfig controls the status dashboard.
type WebConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" default:"false"`
	Addr    string `json:"addr" yaml:"addr" default:":8080"`
}

// JournalConfig controls the MongoDB transition journal. An empty URI
// falls back to MONGODB_URI; both empty disables the journal.
type JournalConfig struct {
	URI        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database" default:"argus"`
	Collection string `json:"collection" yaml:"collection" default:"transitions"`
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a configuration file from path.
func Load(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Decode(file)
}

// Decode reads a configuration document from r, applies defaults and
// validates the result.
func Decode(r io.Reader) (*AppConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.Journal.URI == "" {
		cfg.Journal.URI = os.Getenv("MONGODB_URI")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges imposed by the profile and the radio.
func (c *AppConfig) Validate() error {
	switch {
	case c.DeviceName == "":
		return fmt.Errorf("%w: device_name is empty", ErrInvalidConfig)
	case len(c.DeviceName) > 29:
		return fmt.Errorf("%w: device_name %q longer than 29 bytes", ErrInvalidConfig, c.DeviceName)
	case c.UpdatePeriod <= 0:
		return fmt.Errorf("%w: update_period must be positive", ErrInvalidConfig)
	case c.UpdatePeriod >= 64*time.Second:
		// The crank event time counter would wrap within one period.
		return fmt.Errorf("%w: update_period %s must be below 64s", ErrInvalidConfig, c.UpdatePeriod)
	case c.NotifyQueueSize <= 0:
		return fmt.Errorf("%w: notify_queue_size must be positive", ErrInvalidConfig)
	case c.Advertising.IntervalMin < 20*time.Millisecond:
		return fmt.Errorf("%w: advertising interval_min %s below 20ms", ErrInvalidConfig, c.Advertising.IntervalMin)
	case c.Advertising.IntervalMax > 10240*time.Millisecond:
		return fmt.Errorf("%w: advertising interval_max %s above 10.24s", ErrInvalidConfig, c.Advertising.IntervalMax)
	case c.Advertising.IntervalMin > c.Advertising.IntervalMax:
		return fmt.Errorf("%w: advertising interval_min %s above interval_max %s",
			ErrInvalidConfig, c.Advertising.IntervalMin, c.Advertising.IntervalMax)
	case c.Advertising.Timeout < 0:
		return fmt.Errorf("%w: advertising timeout must not be negative", ErrInvalidConfig)
	}

	switch c.Source.Kind {
	case SourceSine:
		if peak := abs(int(c.Source.BaseWatts)) + abs(int(c.Source.AmplitudeWatts)); peak > math.MaxInt16 {
			return fmt.Errorf("%w: sine peak %d W exceeds %d W", ErrInvalidConfig, peak, math.MaxInt16)
		}
	case SourceConstant:
	case SourceTrainer:
		if c.Source.TrainerMAC == "" {
			return fmt.Errorf("%w: source trainer_mac is required for the trainer source", ErrInvalidConfig)
		}
		if c.Source.ClientAdapter == c.ServerAdapterID {
			return fmt.Errorf("%w: trainer source needs its own adapter (client_adapter_id == server_adapter_id)", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidConfig, c.Source.Kind)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
