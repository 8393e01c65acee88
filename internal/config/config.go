package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// pRPC Endpoint Configuration
	PrpcURL            string `yaml:"prpc_url"`
	PrpcTimeoutSeconds int    `yaml:"prpc_timeout_seconds"`

	// Ingestion Configuration
	SourceMode            string `yaml:"source_mode"` // "pods", "accounts" or "auto"
	RefreshCountdownTicks int    `yaml:"refresh_countdown_ticks"`
	DecodeOffsets         []int  `yaml:"decode_offsets"`

	// View Configuration
	PageSize int `yaml:"page_size"`

	// Server Configuration
	ListenAddr         string   `yaml:"listen_addr"`
	ListenPort         int      `yaml:"listen_port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Geolocation Configuration
	GeoEnabled      bool   `yaml:"geo_enabled"`
	GeoLiteDBPath   string `yaml:"geolite_db_path"`
	GeoAutoDownload bool   `yaml:"geo_auto_download"`
	GeoDownloadURL  string `yaml:"geo_download_url"`

	// Logging Configuration
	LogLevel string `yaml:"log_level"`
}

// NewConfig creates a new config from environment variables or defaults.
// When PNODE_CONFIG_FILE points at a YAML file, its values override the
// environment.
func NewConfig() (*Config, error) {
	corsOrigins := getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	cfg := &Config{
		PrpcURL:               getEnv("PRPC_URL", "http://127.0.0.1:6000/rpc"),
		PrpcTimeoutSeconds:    getEnvInt("PRPC_TIMEOUT_SECONDS", 15),
		SourceMode:            getEnv("SOURCE_MODE", "auto"),
		RefreshCountdownTicks: getEnvInt("REFRESH_COUNTDOWN_TICKS", 59),
		DecodeOffsets:         parseOffsets(getEnv("DECODE_OFFSETS", "0,8")),
		PageSize:              getEnvInt("PAGE_SIZE", 10),
		ListenAddr:            getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:            getEnvInt("LISTEN_PORT", 8080),
		CORSAllowedOrigins:    strings.Split(corsOrigins, ","),
		GeoEnabled:            getEnvBool("GEO_ENABLED", false),
		GeoLiteDBPath:         getEnv("GEOLITE_DB_PATH", "data/GeoLite2-City.mmdb"),
		GeoAutoDownload:       getEnvBool("GEO_AUTO_DOWNLOAD", true),
		GeoDownloadURL:        getEnv("GEO_DOWNLOAD_URL", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("PNODE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile overlays values from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func parseOffsets(raw string) []int {
	parts := strings.Split(raw, ",")
	offsets := make([]int, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if offset, err := strconv.Atoi(trimmed); err == nil && offset >= 0 {
			offsets = append(offsets, offset)
		}
	}
	return offsets
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if c.PrpcURL == "" {
		return fmt.Errorf("pRPC URL cannot be empty")
	}
	if c.PrpcTimeoutSeconds <= 0 {
		return fmt.Errorf("pRPC timeout must be positive: %d", c.PrpcTimeoutSeconds)
	}
	switch c.SourceMode {
	case "pods", "accounts", "auto":
	default:
		return fmt.Errorf("invalid source mode: %s", c.SourceMode)
	}
	if c.RefreshCountdownTicks <= 0 {
		return fmt.Errorf("refresh countdown must be positive: %d", c.RefreshCountdownTicks)
	}
	if len(c.DecodeOffsets) == 0 {
		return fmt.Errorf("at least one decode offset must be specified")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive: %d", c.PageSize)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.ListenPort)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("at least one CORS allowed origin must be specified")
	}
	if c.GeoEnabled && c.GeoLiteDBPath == "" {
		return fmt.Errorf("GeoLite DB path cannot be empty when geolocation is enabled")
	}
	return nil
}
