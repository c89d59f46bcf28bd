package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the subset of ServerConfig accepted from a YAML file.
// Pointer fields distinguish "unset" from zero values.
type fileConfig struct {
	Port         *int     `yaml:"port"`
	TLSPort      *int     `yaml:"tls_port"`
	Secure       *bool    `yaml:"secure"`
	Staging      *bool    `yaml:"staging"`
	Domains      []string `yaml:"domains"`
	Email        *string  `yaml:"email"`
	NoCache      *bool    `yaml:"nocache"`
	Local        *bool    `yaml:"local"`
	MappingsFile *string  `yaml:"mappings"`
	StateDir     *string  `yaml:"state_dir"`
	DBPath       *string  `yaml:"db"`
	RenewalDays  *int     `yaml:"renewal_days"`
	Workers      *int     `yaml:"workers"`
	LogLevel     *string  `yaml:"log_level"`
	PprofAddr    *string  `yaml:"pprof"`
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *ServerConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	fc.apply(cfg)
	return nil
}

func (fc fileConfig) apply(cfg *ServerConfig) {
	setInt(&cfg.Port, fc.Port)
	setInt(&cfg.TLSPort, fc.TLSPort)
	setBool(&cfg.Secure, fc.Secure)
	setBool(&cfg.Staging, fc.Staging)
	if len(fc.Domains) > 0 {
		cfg.Domains = append([]string(nil), fc.Domains...)
	}
	setString(&cfg.Email, fc.Email)
	setBool(&cfg.NoCache, fc.NoCache)
	setBool(&cfg.Local, fc.Local)
	setString(&cfg.MappingsFile, fc.MappingsFile)
	setString(&cfg.StateDir, fc.StateDir)
	setString(&cfg.DBPath, fc.DBPath)
	setInt(&cfg.RenewalDays, fc.RenewalDays)
	setInt(&cfg.Workers, fc.Workers)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.PprofAddr, fc.PprofAddr)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
