package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical dashboard defaults file.
const DefaultConfigPath = "config/dashboard.defaults.json"

// DashboardConfig is the root configuration for the dashboard service.
// Omitted fields fall back to the defaults returned by the Get* methods, so
// partial configs are safe.
type DashboardConfig struct {
	// Backend collaborator
	BackendURL  *string `json:"backend_url,omitempty"`
	Project     *string `json:"project,omitempty"`
	HTTPTimeout *string `json:"http_timeout,omitempty"` // duration string like "15s"

	// Artifact naming; Go reference-time layout applied in UTC
	ArtifactTimeFormat *string `json:"artifact_time_format,omitempty"`

	// Live refresh
	LivePeriod     *string `json:"live_period,omitempty"` // duration string like "30s"
	CountdownStart *int    `json:"countdown_start,omitempty"`

	// Time-series query defaults
	LookbackHours     *int `json:"lookback_hours,omitempty"`
	HalfMovingAvgSize *int `json:"half_moving_avg_size,omitempty"`

	// Service plumbing
	DBPath     *string `json:"db_path,omitempty"`
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`
	KafkaTopic *string `json:"kafka_topic,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// DefaultDashboardConfig returns a config with every field populated.
func DefaultDashboardConfig() *DashboardConfig {
	return &DashboardConfig{
		BackendURL:         ptrString("http://localhost:8000"),
		Project:            ptrString("default"),
		HTTPTimeout:        ptrString("15s"),
		ArtifactTimeFormat: ptrString("2006-01-02-15-04-05"),
		LivePeriod:         ptrString("30s"),
		CountdownStart:     ptrInt(30),
		LookbackHours:      ptrInt(1),
		HalfMovingAvgSize:  ptrInt(2),
		DBPath:             ptrString("dashboard.db"),
		Listen:             ptrString(":8080"),
		GRPCListen:         ptrString(""),
		KafkaTopic:         ptrString("density-snapshots"),
	}
}

// LoadDashboardConfig loads a DashboardConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadDashboardConfig(path string) (*DashboardConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
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

	cfg := &DashboardConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical dashboard defaults from
// DefaultConfigPath, searching the current directory and common parents.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *DashboardConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/densityd/ and deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadDashboardConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ApplyEnv overrides fields from environment variables when they are set.
func (c *DashboardConfig) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	for key, dst := range map[string]**string{
		"DENSITY_BACKEND_URL": &c.BackendURL,
		"DENSITY_PROJECT":     &c.Project,
		"DENSITY_DB_PATH":     &c.DBPath,
		"DENSITY_LISTEN":      &c.Listen,
		"DENSITY_GRPC_LISTEN": &c.GRPCListen,
		"KAFKA_TOPIC":         &c.KafkaTopic,
	} {
		if v := getenv(key); v != "" {
			*dst = ptrString(v)
		}
	}
}

// Validate checks that the configuration values are valid.
func (c *DashboardConfig) Validate() error {
	if c.BackendURL != nil {
		u, err := url.Parse(*c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend_url must be an absolute URL, got %q", *c.BackendURL)
		}
	}

	for name, v := range map[string]*string{
		"http_timeout": c.HTTPTimeout,
		"live_period":  c.LivePeriod,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.CountdownStart != nil && *c.CountdownStart < 1 {
		return fmt.Errorf("countdown_start must be at least 1, got %d", *c.CountdownStart)
	}
	if c.LookbackHours != nil && *c.LookbackHours < 1 {
		return fmt.Errorf("lookback_hours must be at least 1, got %d", *c.LookbackHours)
	}
	if c.HalfMovingAvgSize != nil && *c.HalfMovingAvgSize < 0 {
		return fmt.Errorf("half_moving_avg_size must be non-negative, got %d", *c.HalfMovingAvgSize)
	}
	if c.ArtifactTimeFormat != nil && *c.ArtifactTimeFormat == "" {
		return fmt.Errorf("artifact_time_format must not be empty")
	}

	return nil
}

// GetBackendURL returns the backend base URL or the default.
func (c *DashboardConfig) GetBackendURL() string {
	if c.BackendURL == nil || *c.BackendURL == "" {
		return "http://localhost:8000"
	}
	return *c.BackendURL
}

// GetProject returns the project identifier or the default.
func (c *DashboardConfig) GetProject() string {
	if c.Project == nil || *c.Project == "" {
		return "default"
	}
	return *c.Project
}

// GetHTTPTimeout parses and returns the HTTPTimeout as a time.Duration.
func (c *DashboardConfig) GetHTTPTimeout() time.Duration {
	return parseDurationOr(c.HTTPTimeout, 15*time.Second)
}

// GetLivePeriod parses and returns the live refresh period.
func (c *DashboardConfig) GetLivePeriod() time.Duration {
	return parseDurationOr(c.LivePeriod, 30*time.Second)
}

// GetCountdownStart returns the countdown start value or the default.
func (c *DashboardConfig) GetCountdownStart() int {
	if c.CountdownStart == nil {
		return 30
	}
	return *c.CountdownStart
}

// GetArtifactTimeFormat returns the artifact timestamp layout or the default.
func (c *DashboardConfig) GetArtifactTimeFormat() string {
	if c.ArtifactTimeFormat == nil || *c.ArtifactTimeFormat == "" {
		return "2006-01-02-15-04-05"
	}
	return *c.ArtifactTimeFormat
}

// GetLookbackHours returns the default lookback window in hours.
func (c *DashboardConfig) GetLookbackHours() int {
	if c.LookbackHours == nil {
		return 1
	}
	return *c.LookbackHours
}

// GetHalfMovingAvgSize returns the half moving-average window size.
func (c *DashboardConfig) GetHalfMovingAvgSize() int {
	if c.HalfMovingAvgSize == nil {
		return 2
	}
	return *c.HalfMovingAvgSize
}

// GetDBPath returns the sqlite database path or the default.
func (c *DashboardConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "dashboard.db"
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address or the default.
func (c *DashboardConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetGRPCListen returns the gRPC health listen address; empty disables it.
func (c *DashboardConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetKafkaTopic returns the snapshot topic or the default.
func (c *DashboardConfig) GetKafkaTopic() string {
	if c.KafkaTopic == nil || *c.KafkaTopic == "" {
		return "density-snapshots"
	}
	return *c.KafkaTopic
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
