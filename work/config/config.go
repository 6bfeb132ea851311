package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultUserAgent is sent upstream when a provider has no user agent of
// its own configured.
const DefaultUserAgent = "IPTV-Relay/1.0"

// Config holds all application configuration values for the relay server.
// It covers the listener, storage backends, outbound-fetch policy, admission
// control and the external transcoder.
type Config struct {
	BaseURL          string        `json:"baseURL"`          // Public base URL of this relay (used when rewriting DASH manifests)
	ListenPort       int           `json:"listenPort"`       // HTTP listener port
	DataDir          string        `json:"dataDir"`          // Directory for the sqlite database and generated key material
	DatabasePath     string        `json:"databasePath"`     // Path to the sqlite database file
	RedisAddr        string        `json:"redisAddr"`        // Optional redis address; non-empty selects the shared session store
	RedisDB          int           `json:"redisDB"`          // Redis database number
	LogLevel         string        `json:"logLevel"`         // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls    bool          `json:"obfuscateUrls"`    // Fully obfuscate upstream URLs in logs
	EncryptionKey    string        `json:"encryptionKey"`    // Hex master key for segment tokens; generated when empty
	AllowedCIDRs     []string      `json:"allowedCIDRs"`     // CIDRs re-admitted by the safe resolver despite the range policy
	AdmissionDelay   time.Duration `json:"admissionDelay"`   // Pause between session cleanup and the limit check
	ProbeTimeout     time.Duration `json:"probeTimeout"`     // Deadline for short discovery/probe fetches
	AuthCacheTTL     time.Duration `json:"authCacheTTL"`     // How long verified credentials stay cached
	WorkerThreads    int           `json:"workerThreads"`    // Size of the background worker pool
	FFmpegPath       string        `json:"ffmpegPath"`       // Path to the ffmpeg binary
	FFmpegPreInput   []string      `json:"ffmpegPreInput"`   // Extra ffmpeg arguments placed before -i
	FFmpegPreOutput  []string      `json:"ffmpegPreOutput"`  // Extra ffmpeg arguments placed before the output target
	AudioBitrate     string        `json:"audioBitrate"`     // Audio bitrate for transcoded output
	ProviderRatePerS int           `json:"providerRatePerS"` // Default per-provider upstream request rate
}

// ConfigFile mirrors Config for JSON unmarshalling, with durations written
// as strings ("100ms", "5s", "5m").
type ConfigFile struct {
	BaseURL          string   `json:"baseURL"`
	ListenPort       int      `json:"listenPort"`
	DataDir          string   `json:"dataDir"`
	DatabasePath     string   `json:"databasePath"`
	RedisAddr        string   `json:"redisAddr"`
	RedisDB          int      `json:"redisDB"`
	LogLevel         string   `json:"logLevel"`
	ObfuscateUrls    bool     `json:"obfuscateUrls"`
	EncryptionKey    string   `json:"encryptionKey"`
	AllowedCIDRs     []string `json:"allowedCIDRs"`
	AdmissionDelay   string   `json:"admissionDelay"`
	ProbeTimeout     string   `json:"probeTimeout"`
	AuthCacheTTL     string   `json:"authCacheTTL"`
	WorkerThreads    int      `json:"workerThreads"`
	FFmpegPath       string   `json:"ffmpegPath"`
	FFmpegPreInput   []string `json:"ffmpegPreInput"`
	FFmpegPreOutput  []string `json:"ffmpegPreOutput"`
	AudioBitrate     string   `json:"audioBitrate"`
	ProviderRatePerS int      `json:"providerRatePerS"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Protects configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the path from RELAY_CONFIG, falling back to /settings/config.json.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config
	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:          cf.BaseURL,
		ListenPort:       cf.ListenPort,
		DataDir:          cf.DataDir,
		DatabasePath:     cf.DatabasePath,
		RedisAddr:        cf.RedisAddr,
		RedisDB:          cf.RedisDB,
		LogLevel:         cf.LogLevel,
		ObfuscateUrls:    cf.ObfuscateUrls,
		EncryptionKey:    cf.EncryptionKey,
		AllowedCIDRs:     cf.AllowedCIDRs,
		WorkerThreads:    cf.WorkerThreads,
		FFmpegPath:       cf.FFmpegPath,
		FFmpegPreInput:   cf.FFmpegPreInput,
		FFmpegPreOutput:  cf.FFmpegPreOutput,
		AudioBitrate:     cf.AudioBitrate,
		ProviderRatePerS: cf.ProviderRatePerS,
	}

	var err error
	if cf.AdmissionDelay != "" {
		if config.AdmissionDelay, err = time.ParseDuration(cf.AdmissionDelay); err != nil {
			return nil, fmt.Errorf("invalid admissionDelay: %w", err)
		}
	}
	if cf.ProbeTimeout != "" {
		if config.ProbeTimeout, err = time.ParseDuration(cf.ProbeTimeout); err != nil {
			return nil, fmt.Errorf("invalid probeTimeout: %w", err)
		}
	}
	if cf.AuthCacheTTL != "" {
		if config.AuthCacheTTL, err = time.ParseDuration(cf.AuthCacheTTL); err != nil {
			return nil, fmt.Errorf("invalid authCacheTTL: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:          "http://localhost:8080",
		ListenPort:       8080,
		DataDir:          "/data",
		LogLevel:         "INFO",
		ObfuscateUrls:    false,
		AdmissionDelay:   100 * time.Millisecond,
		ProbeTimeout:     5 * time.Second,
		AuthCacheTTL:     5 * time.Minute,
		WorkerThreads:    8,
		FFmpegPath:       "ffmpeg",
		AudioBitrate:     "128k",
		ProviderRatePerS: 5,
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing or invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = 8080
	}
	if config.DataDir == "" {
		config.DataDir = "/data"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = config.DataDir + "/relay.db"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.AdmissionDelay <= 0 {
		config.AdmissionDelay = 100 * time.Millisecond
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.AuthCacheTTL <= 0 {
		config.AuthCacheTTL = 5 * time.Minute
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.AudioBitrate == "" {
		config.AudioBitrate = "128k"
	}
	if config.ProviderRatePerS <= 0 {
		config.ProviderRatePerS = 5
	}
}

// CreateExampleConfig writes an example config file to disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:          "http://localhost:8080",
		ListenPort:       8080,
		DataDir:          "/data",
		DatabasePath:     "/data/relay.db",
		RedisAddr:        "",
		LogLevel:         "INFO",
		ObfuscateUrls:    true,
		AllowedCIDRs:     []string{},
		AdmissionDelay:   "100ms",
		ProbeTimeout:     "5s",
		AuthCacheTTL:     "5m",
		WorkerThreads:    8,
		FFmpegPath:       "ffmpeg",
		FFmpegPreInput:   []string{},
		FFmpegPreOutput:  []string{},
		AudioBitrate:     "128k",
		ProviderRatePerS: 5,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the cached configuration, forcing a reload on the
// next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
