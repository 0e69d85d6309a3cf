// Package config loads and persists harvester settings.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// APIKeyEnv is consulted before the key file.
const APIKeyEnv = "STREETVIEW_API_KEY"

// Settings represents the persistent run configuration.
type Settings struct {
	// Input and output paths
	CSVPath         string `json:"csvPath"`
	APIKeyPath      string `json:"apiKeyPath"`
	SaveDir         string `json:"saveDir"`
	SuccessLogPath  string `json:"successLogPath"`
	FailLogPath     string `json:"failLogPath"`
	DetailedLogPath string `json:"detailedLogPath,omitempty"`

	// Tile grid
	Zoom     int `json:"zoom"`
	TileSize int `json:"tileSize"`
	TileCols int `json:"tileCols"`
	TileRows int `json:"tileRows"`

	// SleeptimeMS is the delay in milliseconds before every tile request.
	SleeptimeMS int `json:"sleeptimeMs"`

	// Batch scheduling
	BatchSize         int  `json:"batchSize"`
	NumBatches        int  `json:"numBatches"`
	MaxPointWorkers   int  `json:"maxPointWorkers"`
	RetryFailedPoints bool `json:"retryFailedPoints"`

	// SearchRadius is the panorama lookup radius in meters.
	SearchRadius int `json:"searchRadius"`

	// OutputFormat is jpg, png or tiff.
	OutputFormat string `json:"outputFormat"`

	// MinTileSuccessRate in (0, 1]; 1.0 requires every tile.
	MinTileSuccessRate float64 `json:"minTileSuccessRate"`

	// AuthStatuses are HTTP statuses treated as an expired session.
	AuthStatuses []int `json:"authStatuses,omitempty"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `json:"metricsAddr,omitempty"`

	// Telemetry
	TelemetryEnabled bool   `json:"telemetryEnabled"`
	TelemetryKey     string `json:"telemetryKey,omitempty"`
}

// DefaultSettings returns default run settings.
func DefaultSettings() *Settings {
	return &Settings{
		CSVPath:            "points.csv",
		APIKeyPath:         "api_key.txt",
		SaveDir:            "panoramas",
		SuccessLogPath:     "download_log.csv",
		FailLogPath:        "failed_log.csv",
		Zoom:               2,
		TileSize:           512,
		TileCols:           4,
		TileRows:           2,
		SleeptimeMS:        500,
		BatchSize:          50,
		NumBatches:         10,
		MaxPointWorkers:    5,
		RetryFailedPoints:  false,
		SearchRadius:       50,
		OutputFormat:       "jpg",
		MinTileSuccessRate: 1.0,
	}
}

// LoadSettings loads settings from a JSON file, merging defaults for missing
// fields. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.CSVPath == "" {
		settings.CSVPath = defaults.CSVPath
	}
	if settings.APIKeyPath == "" {
		settings.APIKeyPath = defaults.APIKeyPath
	}
	if settings.SaveDir == "" {
		settings.SaveDir = defaults.SaveDir
	}
	if settings.SuccessLogPath == "" {
		settings.SuccessLogPath = defaults.SuccessLogPath
	}
	if settings.FailLogPath == "" {
		settings.FailLogPath = defaults.FailLogPath
	}
	if settings.TileSize == 0 {
		settings.TileSize = defaults.TileSize
	}
	if settings.TileCols == 0 {
		settings.TileCols = defaults.TileCols
	}
	if settings.TileRows == 0 {
		settings.TileRows = defaults.TileRows
	}
	if settings.SleeptimeMS == 0 {
		settings.SleeptimeMS = defaults.SleeptimeMS
	}
	if settings.BatchSize == 0 {
		settings.BatchSize = defaults.BatchSize
	}
	if settings.NumBatches == 0 {
		settings.NumBatches = defaults.NumBatches
	}
	if settings.MaxPointWorkers == 0 {
		settings.MaxPointWorkers = defaults.MaxPointWorkers
	}
	if settings.SearchRadius == 0 {
		settings.SearchRadius = defaults.SearchRadius
	}
	if settings.OutputFormat == "" {
		settings.OutputFormat = defaults.OutputFormat
	}
	if settings.MinTileSuccessRate == 0 {
		settings.MinTileSuccessRate = defaults.MinTileSuccessRate
	}

	return &settings, nil
}

// SaveSettings writes settings to a JSON file.
func SaveSettings(path string, settings *Settings) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// LoadAPIKey resolves the API key: the environment variable wins, otherwise
// the first line of the key file is used.
func (s *Settings) LoadAPIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		return key, nil
	}

	f, err := os.Open(s.APIKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to open API key file %s: %w", s.APIKeyPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		if key := strings.TrimSpace(scanner.Text()); key != "" {
			return key, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read API key file: %w", err)
	}
	return "", fmt.Errorf("API key file %s is empty", s.APIKeyPath)
}

// Validate checks the settings for values the run cannot start with.
func (s *Settings) Validate() error {
	if s.CSVPath == "" {
		return fmt.Errorf("points CSV path is required")
	}
	if s.SaveDir == "" {
		return fmt.Errorf("save directory is required")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if s.NumBatches < 1 {
		return fmt.Errorf("batch count must be at least 1")
	}
	if s.MaxPointWorkers < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if s.SleeptimeMS < 0 {
		return fmt.Errorf("sleeptime must not be negative")
	}
	if s.MinTileSuccessRate <= 0 || s.MinTileSuccessRate > 1 {
		return fmt.Errorf("min tile success rate must be in (0, 1], got %f", s.MinTileSuccessRate)
	}
	return nil
}
