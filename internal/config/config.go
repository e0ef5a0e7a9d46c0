// Package config provides configuration management for go-rangefuse
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RANGEFUSE_SERVER_PORT
const EnvPrefix = "RANGEFUSE"

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Camera      CameraConfig      `mapstructure:"camera"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Fusion      FusionConfig      `mapstructure:"fusion"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	History     HistoryConfig     `mapstructure:"history"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Uplink      UplinkConfig      `mapstructure:"uplink"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// ScannerConfig configures the range scanner link
type ScannerConfig struct {
	Port               string        `mapstructure:"port"`
	BaudRate           int           `mapstructure:"baud_rate"`
	MinRotationSamples int           `mapstructure:"min_rotation_samples"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	Mock               bool          `mapstructure:"mock"`     // Always use the simulated room
	Fallback           bool          `mapstructure:"fallback"` // Use the simulated room when the port cannot be opened
}

// CameraConfig configures frame capture
type CameraConfig struct {
	SnapshotURL string        `mapstructure:"snapshot_url"`
	Framerate   int           `mapstructure:"framerate"`
	Quality     int           `mapstructure:"quality"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Width       int           `mapstructure:"width"`  // Static frame size in mock mode
	Height      int           `mapstructure:"height"` // Static frame size in mock mode
	Mock        bool          `mapstructure:"mock"`
}

// DetectorConfig configures the external object detector
type DetectorConfig struct {
	URL                 string        `mapstructure:"url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	Classes             []int         `mapstructure:"classes"` // Empty = all classes
	Mock                bool          `mapstructure:"mock"`
}

// FusionConfig configures the fusion engine and frame loop
type FusionConfig struct {
	ToleranceDeg float64       `mapstructure:"tolerance_deg"`
	MaxScanAge   time.Duration `mapstructure:"max_scan_age"` // 0 = accept any age
	FrameHz      float64       `mapstructure:"frame_hz"`
	ScanStepDeg  float64       `mapstructure:"scan_step_deg"` // Bucket width of streamed scans
}

// CalibrationConfig configures calibration persistence
type CalibrationConfig struct {
	File string `mapstructure:"file"`
}

// HistoryConfig configures the calibration journal
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// UplinkConfig configures the WebSocket uplink
type UplinkConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Scanner: ScannerConfig{
			Port:               "/dev/ttyUSB0",
			BaudRate:           115200,
			MinRotationSamples: 5,
			StallTimeout:       2 * time.Second,
		},
		Camera: CameraConfig{
			SnapshotURL: "http://localhost:8080/snapshot.jpg",
			Framerate:   30,
			Timeout:     2 * time.Second,
			Width:       640,
			Height:      480,
		},
		Detector: DetectorConfig{
			URL:                 "http://localhost:8500",
			Timeout:             2 * time.Second,
			ConfidenceThreshold: 0.5,
		},
		Fusion: FusionConfig{
			ToleranceDeg: 2.0,
			FrameHz:      30,
			ScanStepDeg:  1.0,
		},
		Calibration: CalibrationConfig{
			File: "calibration.json",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "/var/lib/go-rangefuse/history.db",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "go-rangefuse",
			TopicPrefix: "rangefuse",
		},
		Uplink: UplinkConfig{
			URL:              "ws://localhost:9100/ws/rangefuse",
			ReconnectBackoff: 1 * time.Second,
			MaxBackoff:       30 * time.Second,
			PingInterval:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment. A missing file falls
// back to defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)

	v.SetDefault("scanner.port", d.Scanner.Port)
	v.SetDefault("scanner.baud_rate", d.Scanner.BaudRate)
	v.SetDefault("scanner.min_rotation_samples", d.Scanner.MinRotationSamples)
	v.SetDefault("scanner.stall_timeout", d.Scanner.StallTimeout)
	v.SetDefault("scanner.mock", d.Scanner.Mock)
	v.SetDefault("scanner.fallback", d.Scanner.Fallback)

	v.SetDefault("camera.snapshot_url", d.Camera.SnapshotURL)
	v.SetDefault("camera.framerate", d.Camera.Framerate)
	v.SetDefault("camera.quality", d.Camera.Quality)
	v.SetDefault("camera.timeout", d.Camera.Timeout)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.mock", d.Camera.Mock)

	v.SetDefault("detector.url", d.Detector.URL)
	v.SetDefault("detector.timeout", d.Detector.Timeout)
	v.SetDefault("detector.confidence_threshold", d.Detector.ConfidenceThreshold)
	v.SetDefault("detector.classes", []int{})
	v.SetDefault("detector.mock", d.Detector.Mock)

	v.SetDefault("fusion.tolerance_deg", d.Fusion.ToleranceDeg)
	v.SetDefault("fusion.max_scan_age", d.Fusion.MaxScanAge)
	v.SetDefault("fusion.frame_hz", d.Fusion.FrameHz)
	v.SetDefault("fusion.scan_step_deg", d.Fusion.ScanStepDeg)

	v.SetDefault("calibration.file", d.Calibration.File)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("uplink.enabled", d.Uplink.Enabled)
	v.SetDefault("uplink.url", d.Uplink.URL)
	v.SetDefault("uplink.reconnect_backoff", d.Uplink.ReconnectBackoff)
	v.SetDefault("uplink.max_backoff", d.Uplink.MaxBackoff)
	v.SetDefault("uplink.ping_interval", d.Uplink.PingInterval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !c.Scanner.Mock {
		if c.Scanner.Port == "" {
			return fmt.Errorf("scanner.port is required unless scanner.mock is set")
		}
		if c.Scanner.BaudRate <= 0 {
			return fmt.Errorf("invalid scanner baud_rate: %d", c.Scanner.BaudRate)
		}
	}
	if c.Scanner.MinRotationSamples < 0 {
		return fmt.Errorf("min_rotation_samples must not be negative, got %d", c.Scanner.MinRotationSamples)
	}

	if c.Camera.Framerate < 1 || c.Camera.Framerate > 120 {
		return fmt.Errorf("camera framerate must be between 1 and 120, got %d", c.Camera.Framerate)
	}
	if c.Camera.Quality < 0 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera quality must be between 0 and 100, got %d", c.Camera.Quality)
	}

	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", c.Detector.ConfidenceThreshold)
	}

	tol := c.Fusion.ToleranceDeg
	if math.IsNaN(tol) || math.IsInf(tol, 0) || tol <= 0 || tol > 180 {
		return fmt.Errorf("tolerance_deg must be in (0, 180], got %f", tol)
	}
	if c.Fusion.FrameHz <= 0 || c.Fusion.FrameHz > 120 {
		return fmt.Errorf("frame_hz must be in (0, 120], got %f", c.Fusion.FrameHz)
	}
	if c.Fusion.ScanStepDeg <= 0 || c.Fusion.ScanStepDeg > 360 {
		return fmt.Errorf("scan_step_deg must be in (0, 360], got %f", c.Fusion.ScanStepDeg)
	}

	if c.Calibration.File == "" {
		return fmt.Errorf("calibration.file is required")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
