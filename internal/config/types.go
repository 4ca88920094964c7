package config

// Config represents the complete application configuration
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DeviceConfig defines where the HSM middleware lives and which tools drive it
type DeviceConfig struct {
	SOPath        []string    `yaml:"so_path"`        // searched in order
	PKCS11Module  string      `yaml:"pkcs11_module"`  // e.g. opensc-pkcs11.so
	EngineModules []string    `yaml:"engine_modules"` // OpenSSL PKCS#11 engine candidates
	Tools         ToolsConfig `yaml:"tools"`
}

// ToolsConfig names the external binaries; empty fields use the defaults
type ToolsConfig struct {
	SCHSMTool      string `yaml:"sc_hsm_tool"`
	PKCS11Tool     string `yaml:"pkcs11_tool"`
	PKCS15Tool     string `yaml:"pkcs15_tool"`
	OpenSCExplorer string `yaml:"opensc_explorer"`
	OpenSSL        string `yaml:"openssl"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text

	// File switches output from stderr to a rotating log file
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig defines the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile collector target
}
