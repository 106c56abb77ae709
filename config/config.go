// Package config loads qlserver's settings from an INI file via
// gopkg.in/ini.v1, with environment variable overrides layered on top of
// the parsed file.
package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Config is the fully resolved server configuration.
type Config struct {
	Host string
	Port int

	CertFile string
	KeyFile  string

	DBPath string

	ReadTimeoutSeconds    int
	WriteTimeoutSeconds   int
	HandlerTimeoutSeconds int

	GlobalCapacity float64
	SingleCapacity float64

	Debug bool
}

func defaults() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  55555,
		CertFile:              "server.crt",
		KeyFile:               "server.key",
		DBPath:                "qlserver.db",
		ReadTimeoutSeconds:    120,
		WriteTimeoutSeconds:   30,
		HandlerTimeoutSeconds: 30,
		GlobalCapacity:        500,
		SingleCapacity:        5,
		Debug:                 false,
	}
}

// Load reads path (an INI file) if present, falling back to built-in
// defaults for any section or key it doesn't define, then applies
// QLS_-prefixed environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := ini.Load(path)
			if err != nil {
				return nil, err
			}
			applyINI(cfg, file)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyINI(cfg *Config, file *ini.File) {
	server := file.Section("server")
	if v := server.Key("host").String(); v != "" {
		cfg.Host = v
	}
	if v, err := server.Key("port").Int(); err == nil && v != 0 {
		cfg.Port = v
	}

	tlsSection := file.Section("tls")
	if v := tlsSection.Key("cert_file").String(); v != "" {
		cfg.CertFile = v
	}
	if v := tlsSection.Key("key_file").String(); v != "" {
		cfg.KeyFile = v
	}

	db := file.Section("database")
	if v := db.Key("path").String(); v != "" {
		cfg.DBPath = v
	}

	rl := file.Section("ratelimit")
	if v, err := rl.Key("global_capacity").Float64(); err == nil && v != 0 {
		cfg.GlobalCapacity = v
	}
	if v, err := rl.Key("single_capacity").Float64(); err == nil && v != 0 {
		cfg.SingleCapacity = v
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QLS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("QLS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("QLS_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("QLS_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("QLS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("QLS_DEBUG"); v != "" {
		cfg.Debug = v == "1" || v == "true"
	}
}
