package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no --config flag is given and it exists
const DefaultConfigFile = "~/.hsmwiz.yaml"

// DefaultSOPath lists the directories where distributions install OpenSC and
// the OpenSSL engines.
var DefaultSOPath = []string{
	"/usr/local/lib",
	"/usr/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu/openssl-1.0.2/engines",
	"/usr/lib/x86_64-linux-gnu/engines-1.1",
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			SOPath:        append([]string(nil), DefaultSOPath...),
			PKCS11Module:  "opensc-pkcs11.so",
			EngineModules: []string{"pkcs11.so", "libpkcs11.so"},
			Tools: ToolsConfig{
				SCHSMTool:      "sc-hsm-tool",
				PKCS11Tool:     "pkcs11-tool",
				PKCS15Tool:     "pkcs15-tool",
				OpenSCExplorer: "opensc-explorer",
				OpenSSL:        "openssl",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig loads configuration from YAML file and applies environment overrides.
// An empty path loads the default file if it exists, otherwise the built-in defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
		// no default file
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// SplitSearchPath splits a colon-separated search path, dropping empty entries
func SplitSearchPath(s string) []string {
	var out []string
	for _, dir := range strings.Split(s, ":") {
		if dir = strings.TrimSpace(dir); dir != "" {
			out = append(out, dir)
		}
	}
	return out
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	// Device overrides
	if soPath := os.Getenv("HSMWIZ_SO_PATH"); soPath != "" {
		cfg.Device.SOPath = SplitSearchPath(soPath)
	}
	if module := os.Getenv("HSMWIZ_PKCS11_MODULE"); module != "" {
		cfg.Device.PKCS11Module = module
	}

	// Logging overrides
	if level := os.Getenv("HSMWIZ_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("HSMWIZ_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if file := os.Getenv("HSMWIZ_LOG_FILE"); file != "" {
		cfg.Logging.File = file
	}

	if textfile := os.Getenv("HSMWIZ_METRICS_TEXTFILE"); textfile != "" {
		cfg.Metrics.Textfile = textfile
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate device config
	if len(cfg.Device.SOPath) == 0 {
		return fmt.Errorf("device.so_path cannot be empty")
	}
	if cfg.Device.PKCS11Module == "" {
		return fmt.Errorf("device.pkcs11_module is required")
	}
	if len(cfg.Device.EngineModules) == 0 {
		return fmt.Errorf("device.engine_modules cannot be empty")
	}
	// PINs are provided via HSMWIZ_PIN / HSMWIZ_SO_PIN or a prompt, never in config

	// Validate logging config
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info" // default
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text" // default
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text', got '%s'", cfg.Logging.Format)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must not be negative")
	}

	return nil
}
