package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satlla/obc/adsb"
	"github.com/satlla/obc/camera"
	"github.com/satlla/obc/link"
	"github.com/satlla/obc/mission"
	"github.com/satlla/obc/pyramid"
)

// Config represents an obc.yaml file. Zero values take the defaults from
// Defaults; CLI flags override both.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Storage  StorageConfig  `yaml:"storage"`
	Compress CompressConfig `yaml:"compress"`
	Camera   CameraConfig   `yaml:"camera"`
	Upload   UploadConfig   `yaml:"upload"`
	ADSB     ADSBConfig     `yaml:"adsb"`
	Power    PowerConfig    `yaml:"power"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// SerialConfig is the command link device.
type SerialConfig struct {
	Device      string   `yaml:"device"`
	Baud        int      `yaml:"baud"`
	ReadTimeout Duration `yaml:"read_timeout"`
	// MaxBackoff caps the delay between attempts to open the device.
	MaxBackoff Duration `yaml:"max_backoff"`
}

// StorageConfig locates the durable queue and counters.
type StorageConfig struct {
	Outbox string `yaml:"outbox"`
	Sent   string `yaml:"sent"`
	State  string `yaml:"state"`
}

// CompressConfig tunes the pyramid encoder.
type CompressConfig struct {
	Budget       int  `yaml:"budget"`
	Depth        int  `yaml:"depth"`
	PreviewRatio int  `yaml:"preview_ratio"`
	Gray         bool `yaml:"gray"`
}

// CameraConfig selects the capture utility.
type CameraConfig struct {
	Binary  string   `yaml:"binary"`
	Timeout Duration `yaml:"timeout"`
}

// UploadConfig configures script upload.
type UploadConfig struct {
	ScriptsDir  string   `yaml:"scripts_dir"`
	Interpreter string   `yaml:"interpreter"`
	Extension   string   `yaml:"extension"`
	Timeout     Duration `yaml:"timeout"`
}

// ADSBConfig is the ADS-B receiver port.
type ADSBConfig struct {
	Device      string   `yaml:"device"`
	Baud        int      `yaml:"baud"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// PowerConfig holds platform and switch commands as argv lists.
type PowerConfig struct {
	Shutdown []string `yaml:"shutdown"`
	ADSBOn   []string `yaml:"adsb_on,omitempty"`
	ADSBOff  []string `yaml:"adsb_off,omitempty"`
}

// LogConfig configures the optional rotated log file.
type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig enables the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Device string `yaml:"device"`
}

// AdapterConfig selects the mission notification adapter.
type AdapterConfig struct {
	Type    string            `yaml:"type,omitempty"` // "", "redis" or "webhook"
	URL     string            `yaml:"url,omitempty"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// ArchiveConfig enables the delivered-artifact archive.
type ArchiveConfig struct {
	Backend     string   `yaml:"backend,omitempty"` // "", "fs" or "s3"
	Path        string   `yaml:"path,omitempty"`    // fs root or bucket/prefix
	Region      string   `yaml:"region,omitempty"`
	Endpoint    string   `yaml:"endpoint,omitempty"`
	S3PathStyle bool     `yaml:"s3_path_style,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// Adapter and archive backends.
const (
	AdapterRedis   = "redis"
	AdapterWebhook = "webhook"
	BackendFS      = "fs"
	BackendS3      = "s3"
)

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:      link.DefaultPath,
			Baud:        link.DefaultBaud,
			ReadTimeout: Duration{link.DefaultReadTimeout},
			MaxBackoff:  Duration{30 * time.Second},
		},
		Storage: StorageConfig{
			Outbox: "./outbox",
			Sent:   "./sent",
			State:  "./obc-state.msgpack",
		},
		Compress: CompressConfig{
			Budget:       pyramid.DefaultBudget,
			Depth:        pyramid.DefaultDepth,
			PreviewRatio: pyramid.DefaultPreviewRatio,
		},
		Camera: CameraConfig{
			Binary:  camera.DefaultBinary,
			Timeout: Duration{camera.DefaultTimeout},
		},
		Upload: UploadConfig{
			ScriptsDir:  mission.DefaultScriptsDir,
			Interpreter: mission.DefaultInterpreter,
			Extension:   mission.DefaultScriptExt,
			Timeout:     Duration{mission.DefaultScriptLimit},
		},
		ADSB: ADSBConfig{
			Device:      adsb.DefaultPath,
			Baud:        adsb.DefaultBaud,
			ReadTimeout: Duration{adsb.DefaultReadTimeout},
		},
		Power: PowerConfig{
			Shutdown: []string{"sudo", "shutdown", "now"},
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Device: "obc",
		},
	}
}

// ApplyDefaults fills every zero field from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	setString(&c.Serial.Device, d.Serial.Device)
	setInt(&c.Serial.Baud, d.Serial.Baud)
	setDuration(&c.Serial.ReadTimeout, d.Serial.ReadTimeout)
	setDuration(&c.Serial.MaxBackoff, d.Serial.MaxBackoff)

	setString(&c.Storage.Outbox, d.Storage.Outbox)
	setString(&c.Storage.Sent, d.Storage.Sent)
	setString(&c.Storage.State, d.Storage.State)

	setInt(&c.Compress.Budget, d.Compress.Budget)
	setInt(&c.Compress.Depth, d.Compress.Depth)
	setInt(&c.Compress.PreviewRatio, d.Compress.PreviewRatio)

	setString(&c.Camera.Binary, d.Camera.Binary)
	setDuration(&c.Camera.Timeout, d.Camera.Timeout)

	setString(&c.Upload.ScriptsDir, d.Upload.ScriptsDir)
	setString(&c.Upload.Interpreter, d.Upload.Interpreter)
	setString(&c.Upload.Extension, d.Upload.Extension)
	setDuration(&c.Upload.Timeout, d.Upload.Timeout)

	setString(&c.ADSB.Device, d.ADSB.Device)
	setInt(&c.ADSB.Baud, d.ADSB.Baud)
	setDuration(&c.ADSB.ReadTimeout, d.ADSB.ReadTimeout)

	if len(c.Power.Shutdown) == 0 {
		c.Power.Shutdown = d.Power.Shutdown
	}

	setInt(&c.Log.MaxSizeMB, d.Log.MaxSizeMB)
	setInt(&c.Log.MaxBackups, d.Log.MaxBackups)
	setInt(&c.Log.MaxAgeDays, d.Log.MaxAgeDays)

	setString(&c.Metrics.Device, d.Metrics.Device)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Compress.Budget < 0 {
		errs = append(errs, fmt.Errorf("compress.budget must be >= 0, got %d", c.Compress.Budget))
	}
	switch c.Adapter.Type {
	case "":
	case AdapterRedis, AdapterWebhook:
		if c.Adapter.URL == "" {
			errs = append(errs, fmt.Errorf("adapter.url is required for adapter type %q", c.Adapter.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown adapter.type %q (want redis or webhook)", c.Adapter.Type))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, fmt.Errorf("adapter.retries must be >= 0, got %d", *c.Adapter.Retries))
	}
	switch c.Archive.Backend {
	case "":
	case BackendFS, BackendS3:
		if c.Archive.Path == "" {
			errs = append(errs, fmt.Errorf("archive.path is required for backend %q", c.Archive.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive.backend %q (want fs or s3)", c.Archive.Backend))
	}
	if (len(c.Power.ADSBOn) == 0) != (len(c.Power.ADSBOff) == 0) {
		errs = append(errs, errors.New("power.adsb_on and power.adsb_off must be set together"))
	}
	return errors.Join(errs...)
}

// PyramidOptions converts the compress section.
func (c CompressConfig) PyramidOptions() pyramid.Options {
	return pyramid.Options{Budget: c.Budget, Depth: c.Depth, PreviewRatio: c.PreviewRatio}
}

// LinkConfig converts the serial section.
func (c SerialConfig) LinkConfig() link.Config {
	return link.Config{Path: c.Device, Baud: c.Baud, ReadTimeout: c.ReadTimeout.Duration}
}

// PortConfig converts the adsb section.
func (c ADSBConfig) PortConfig() adsb.PortConfig {
	return adsb.PortConfig{Path: c.Device, Baud: c.Baud, ReadTimeout: c.ReadTimeout.Duration}
}

// MissionUpload converts the upload section.
func (c UploadConfig) MissionUpload() mission.UploadConfig {
	return mission.UploadConfig{
		ScriptsDir:  c.ScriptsDir,
		Interpreter: c.Interpreter,
		Extension:   c.Extension,
		Timeout:     c.Timeout.Duration,
	}
}

// Duration wraps time.Duration for YAML strings such as "750ms" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *Duration, def Duration) {
	if dst.Duration == 0 {
		*dst = def
	}
}
