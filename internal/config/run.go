// Package config loads the run configuration shared by the qlaib commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the example run configuration checked into the repo.
const DefaultConfigPath = "config/qlaib.example.yaml"

// RunConfig is the optional YAML configuration for acquisition runs. Unset
// fields fall back to the defaults returned by the Get* methods, and command
// line flags override anything set here.
type RunConfig struct {
	// Acquisition
	Exposure *string `yaml:"exposure,omitempty"` // duration string like "1s"
	Mock     *bool   `yaml:"mock,omitempty"`
	DemoFile *string `yaml:"demo_file,omitempty"`
	Port     *string `yaml:"port,omitempty"`
	BaudRate *int    `yaml:"baud_rate,omitempty"`
	Seed     *uint64 `yaml:"seed,omitempty"`
	Loop     *bool   `yaml:"loop,omitempty"`

	// Coincidence counting
	WindowPs        *float64 `yaml:"window_ps,omitempty"`
	TripletWindowPs *float64 `yaml:"triplet_window_ps,omitempty"`
	UseDefaultSpecs *bool    `yaml:"use_default_specs,omitempty"`
	AutoCalibrate   *bool    `yaml:"auto_calibrate,omitempty"`
	DelayStartPs    *float64 `yaml:"delay_start_ps,omitempty"`
	DelayEndPs      *float64 `yaml:"delay_end_ps,omitempty"`
	DelayStepPs     *float64 `yaml:"delay_step_ps,omitempty"`

	// Outputs
	HistoryPoints *int    `yaml:"history_points,omitempty"`
	DBPath        *string `yaml:"db_path,omitempty"`
	Listen        *string `yaml:"listen,omitempty"`
	FeedListen    *string `yaml:"feed_listen,omitempty"`
	RecordPath    *string `yaml:"record_path,omitempty"`
	Compression   *string `yaml:"compression,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRunConfig returns a RunConfig with all fields unset.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// DefaultRunConfig returns a RunConfig with every field set to its default.
func DefaultRunConfig() *RunConfig {
	c := EmptyRunConfig()
	c.Exposure = ptrString(c.GetExposure().String())
	c.Mock = ptrBool(c.GetMock())
	c.BaudRate = ptrInt(c.GetBaudRate())
	c.WindowPs = ptrFloat64(c.GetWindowPs())
	c.TripletWindowPs = ptrFloat64(c.GetTripletWindowPs())
	c.DelayStartPs = ptrFloat64(c.GetDelayStartPs())
	c.DelayEndPs = ptrFloat64(c.GetDelayEndPs())
	c.DelayStepPs = ptrFloat64(c.GetDelayStepPs())
	c.HistoryPoints = ptrInt(c.GetHistoryPoints())
	c.Listen = ptrString(c.GetListen())
	c.FeedListen = ptrString(c.GetFeedListen())
	c.Compression = ptrString(c.GetCompression())
	return c
}

// LoadRunConfig reads a YAML run configuration. Fields omitted from the file
// keep their defaults, so partial configs are safe.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.Exposure != nil && *c.Exposure != "" {
		d, err := time.ParseDuration(*c.Exposure)
		if err != nil {
			return fmt.Errorf("invalid exposure '%s': %w", *c.Exposure, err)
		}
		if d <= 0 {
			return fmt.Errorf("exposure must be positive, got %s", *c.Exposure)
		}
	}
	if c.WindowPs != nil && *c.WindowPs <= 0 {
		return fmt.Errorf("window_ps must be positive, got %f", *c.WindowPs)
	}
	if c.TripletWindowPs != nil && *c.TripletWindowPs <= 0 {
		return fmt.Errorf("triplet_window_ps must be positive, got %f", *c.TripletWindowPs)
	}
	if c.DelayStepPs != nil && *c.DelayStepPs <= 0 {
		return fmt.Errorf("delay_step_ps must be positive, got %f", *c.DelayStepPs)
	}
	if c.GetDelayEndPs() < c.GetDelayStartPs() {
		return fmt.Errorf("delay_end_ps (%f) must not be below delay_start_ps (%f)", c.GetDelayEndPs(), c.GetDelayStartPs())
	}
	if c.HistoryPoints != nil && *c.HistoryPoints < 1 {
		return fmt.Errorf("history_points must be at least 1, got %d", *c.HistoryPoints)
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.Compression != nil {
		switch *c.Compression {
		case "none", "lz4", "zstd":
		default:
			return fmt.Errorf("compression must be none, lz4 or zstd, got %q", *c.Compression)
		}
	}
	sources := 0
	if c.GetMock() {
		sources++
	}
	if c.GetDemoFile() != "" {
		sources++
	}
	if c.GetPort() != "" {
		sources++
	}
	if sources > 1 {
		return fmt.Errorf("mock, demo_file and port are mutually exclusive")
	}
	return nil
}

// GetExposure parses and returns the Exposure as a time.Duration.
func (c *RunConfig) GetExposure() time.Duration {
	if c.Exposure == nil || *c.Exposure == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.Exposure)
	if err != nil || d <= 0 {
		return time.Second // default on parse error
	}
	return d
}

// GetMock returns the mock value or the default.
func (c *RunConfig) GetMock() bool {
	if c.Mock == nil {
		return false
	}
	return *c.Mock
}

// GetDemoFile returns the demo_file value or the default.
func (c *RunConfig) GetDemoFile() string {
	if c.DemoFile == nil {
		return ""
	}
	return *c.DemoFile
}

// GetPort returns the port value or the default.
func (c *RunConfig) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

// GetBaudRate returns the baud_rate value or the default.
func (c *RunConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetSeed returns the seed value or the default.
func (c *RunConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetLoop returns the loop value or the default.
func (c *RunConfig) GetLoop() bool {
	if c.Loop == nil {
		return true
	}
	return *c.Loop
}

// GetWindowPs returns the window_ps value or the default.
func (c *RunConfig) GetWindowPs() float64 {
	if c.WindowPs == nil {
		return 200
	}
	return *c.WindowPs
}

// GetTripletWindowPs returns the triplet_window_ps value or the default.
func (c *RunConfig) GetTripletWindowPs() float64 {
	if c.TripletWindowPs == nil {
		return 300
	}
	return *c.TripletWindowPs
}

// GetUseDefaultSpecs returns the use_default_specs value or the default.
func (c *RunConfig) GetUseDefaultSpecs() bool {
	if c.UseDefaultSpecs == nil {
		return false
	}
	return *c.UseDefaultSpecs
}

// GetAutoCalibrate returns the auto_calibrate value or the default.
func (c *RunConfig) GetAutoCalibrate() bool {
	if c.AutoCalibrate == nil {
		return true
	}
	return *c.AutoCalibrate
}

// GetDelayStartPs returns the delay_start_ps value or the default.
func (c *RunConfig) GetDelayStartPs() float64 {
	if c.DelayStartPs == nil {
		return -8000
	}
	return *c.DelayStartPs
}

// GetDelayEndPs returns the delay_end_ps value or the default.
func (c *RunConfig) GetDelayEndPs() float64 {
	if c.DelayEndPs == nil {
		return 8000
	}
	return *c.DelayEndPs
}

// GetDelayStepPs returns the delay_step_ps value or the default.
func (c *RunConfig) GetDelayStepPs() float64 {
	if c.DelayStepPs == nil {
		return 50
	}
	return *c.DelayStepPs
}

// GetHistoryPoints returns the history_points value or the default.
func (c *RunConfig) GetHistoryPoints() int {
	if c.HistoryPoints == nil {
		return 500
	}
	return *c.HistoryPoints
}

// GetDBPath returns the db_path value or the default. Empty disables
// telemetry logging.
func (c *RunConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetListen returns the listen value or the default.
func (c *RunConfig) GetListen() string {
	if c.Listen == nil {
		return ":8090"
	}
	return *c.Listen
}

// GetFeedListen returns the feed_listen value or the default. Empty
// disables the gRPC feed.
func (c *RunConfig) GetFeedListen() string {
	if c.FeedListen == nil {
		return ""
	}
	return *c.FeedListen
}

// GetRecordPath returns the record_path value or the default.
func (c *RunConfig) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}

// GetCompression returns the compression value or the default.
func (c *RunConfig) GetCompression() string {
	if c.Compression == nil {
		return "zstd"
	}
	return *c.Compression
}
