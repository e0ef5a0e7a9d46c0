package calibration

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/teslashibe/go-rangefuse/internal/scan"
)

// Defaults used when the calibration file is missing or malformed
const (
	DefaultAngleCamLidar    = 0.0
	DefaultDistanceCamLidar = 0.1
	DefaultCameraFOV        = 60.0
)

// Params is the persisted calibration
type Params struct {
	AngleCamLidar    float64 `mapstructure:"angle_cam_lidar" json:"angle_cam_lidar"`       // Degrees
	DistanceCamLidar float64 `mapstructure:"distance_cam_lidar" json:"distance_cam_lidar"` // Metres
	CameraFOV        float64 `mapstructure:"camera_fov" json:"camera_fov"`                 // Degrees
}

// DefaultParams returns the fallback calibration
func DefaultParams() Params {
	return Params{
		AngleCamLidar:    DefaultAngleCamLidar,
		DistanceCamLidar: DefaultDistanceCamLidar,
		CameraFOV:        DefaultCameraFOV,
	}
}

// FileStore reads and writes the calibration JSON file
type FileStore struct {
	path string

	mu sync.Mutex
}

// NewFileStore creates a store for the JSON file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")

	v.SetDefault("angle_cam_lidar", DefaultAngleCamLidar)
	v.SetDefault("distance_cam_lidar", DefaultDistanceCamLidar)
	v.SetDefault("camera_fov", DefaultCameraFOV)

	return v
}

// Load reads the calibration file. On any error it returns the defaults
// together with the error.
func (s *FileStore) Load() (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.newViper()
	if err := v.ReadInConfig(); err != nil {
		return DefaultParams(), fmt.Errorf("read calibration file: %w", err)
	}

	var p Params
	if err := v.Unmarshal(&p); err != nil {
		return DefaultParams(), fmt.Errorf("decode calibration file: %w", err)
	}

	if !scan.Finite(p.AngleCamLidar, p.DistanceCamLidar, p.CameraFOV) {
		return DefaultParams(), fmt.Errorf("calibration file %s: non-finite value", s.path)
	}

	return p, nil
}

// LoadOrDefault loads the file, logging a warning and using defaults on failure
func (s *FileStore) LoadOrDefault(logger *slog.Logger) Params {
	if logger == nil {
		logger = slog.Default()
	}

	p, err := s.Load()
	if err != nil {
		logger.Warn("using default calibration",
			"path", s.path,
			"error", err,
			"angle_cam_lidar", p.AngleCamLidar,
			"distance_cam_lidar", p.DistanceCamLidar,
			"camera_fov", p.CameraFOV,
		)
		return p
	}

	logger.Info("calibration loaded",
		"path", s.path,
		"angle_cam_lidar", p.AngleCamLidar,
		"distance_cam_lidar", p.DistanceCamLidar,
		"camera_fov", p.CameraFOV,
	)
	return p
}

// Save writes p to the calibration file, keeping any unrelated keys already in it
func (s *FileStore) Save(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create calibration dir: %w", err)
		}
	}

	v := s.newViper()
	// Missing or unreadable file: start from scratch
	_ = v.ReadInConfig()

	v.Set("angle_cam_lidar", p.AngleCamLidar)
	v.Set("distance_cam_lidar", p.DistanceCamLidar)
	v.Set("camera_fov", p.CameraFOV)

	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write calibration file: %w", err)
	}
	return nil
}
