package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	Secure       bool
	Staging      bool
	Domains      []string
	Email        string
	NoCache      bool
	Local        bool
	MappingsFile string
	StateDir     string
	DBPath       string
	RenewalDays  int
	Workers      int
	LogLevel     string
	PprofAddr    string
	ConfigFile   string
}

const defaultPort = 8000
const defaultTLSPort = 8001
const defaultMappingsFile = "mappings.sb"
const defaultStateDir = ".spiderbutter"
const defaultRenewalDays = 7
const defaultWorkers = 4

const envConfigFile = "SPIDERBUTTER_CONFIG"

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         defaultPort,
		TLSPort:      defaultTLSPort,
		MappingsFile: defaultMappingsFile,
		StateDir:     defaultStateDir,
		RenewalDays:  defaultRenewalDays,
		Workers:      defaultWorkers,
		LogLevel:     "info",
	}
}

// ParseServerFlags builds the server configuration. Values are layered as
// built-in defaults, then the optional YAML config file, then SPIDERBUTTER_*
// environment variables, then command-line flags.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := defaultServerConfig()

	cfg.ConfigFile = envOrDefault(envConfigFile, scanConfigFlag(args))
	if cfg.ConfigFile != "" {
		if err := LoadFile(cfg.ConfigFile, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Port = envIntOrDefault("SPIDERBUTTER_PORT", cfg.Port)
	cfg.TLSPort = envIntOrDefault("SPIDERBUTTER_TLS_PORT", cfg.TLSPort)
	cfg.Secure = envBoolOrDefault("SPIDERBUTTER_SECURE", cfg.Secure)
	cfg.Staging = envBoolOrDefault("SPIDERBUTTER_STAGING", cfg.Staging)
	cfg.NoCache = envBoolOrDefault("SPIDERBUTTER_NOCACHE", cfg.NoCache)
	cfg.Local = envBoolOrDefault("SPIDERBUTTER_LOCAL", cfg.Local)
	cfg.Email = envOrDefault("SPIDERBUTTER_EMAIL", cfg.Email)
	cfg.MappingsFile = envOrDefault("SPIDERBUTTER_MAPPINGS", cfg.MappingsFile)
	cfg.StateDir = envOrDefault("SPIDERBUTTER_STATE_DIR", cfg.StateDir)
	cfg.DBPath = envOrDefault("SPIDERBUTTER_DB_PATH", cfg.DBPath)
	cfg.RenewalDays = envIntOrDefault("SPIDERBUTTER_RENEWAL_DAYS", cfg.RenewalDays)
	cfg.Workers = envIntOrDefault("SPIDERBUTTER_WORKERS", cfg.Workers)
	cfg.LogLevel = envOrDefault("SPIDERBUTTER_LOG_LEVEL", cfg.LogLevel)
	cfg.PprofAddr = envOrDefault("SPIDERBUTTER_PPROF_ADDR", cfg.PprofAddr)
	if v := strings.TrimSpace(os.Getenv("SPIDERBUTTER_DOMAINS")); v != "" {
		cfg.Domains = splitDomains(v)
	}

	domains := domainList{values: cfg.Domains}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to use for unencrypted connections")
	fs.IntVar(&cfg.TLSPort, "tls-port", cfg.TLSPort, "Port to use for encrypted connections")
	fs.BoolVar(&cfg.Secure, "secure", cfg.Secure, "Encrypt connections and attempt to request a certificate")
	fs.BoolVar(&cfg.Staging, "staging", cfg.Staging, "Use the Let's Encrypt staging API so you don't get rate limited")
	fs.Var(&domains, "domains", "Domains to request certificates for (comma separated, repeatable)")
	fs.StringVar(&cfg.Email, "email", cfg.Email, "Contact email for the ACME account (optional)")
	fs.BoolVar(&cfg.NoCache, "nocache", cfg.NoCache, "Load and compress resources as they're requested instead of ahead of time")
	fs.BoolVar(&cfg.Local, "local", cfg.Local, "Serve everything in the current working directory")
	fs.StringVar(&cfg.MappingsFile, "mappings", cfg.MappingsFile, "Mapping file")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for certificates and server state")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (default <state-dir>/state.db)")
	fs.IntVar(&cfg.RenewalDays, "renewal-days", cfg.RenewalDays, "Renew certificates this many days before expiry")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker threads per listener")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Serve pprof on this address (disabled when empty)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Domains = domains.values

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *ServerConfig) normalize() error {
	if err := validPort(cfg.Port); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if cfg.Secure {
		if err := validPort(cfg.TLSPort); err != nil {
			return fmt.Errorf("tls port: %w", err)
		}
		if cfg.TLSPort == cfg.Port {
			return errors.New("port and tls port must differ")
		}
	}
	normalized := make([]string, 0, len(cfg.Domains))
	seen := make(map[string]struct{}, len(cfg.Domains))
	for _, d := range cfg.Domains {
		d = normalizeDomainHost(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		normalized = append(normalized, d)
	}
	cfg.Domains = normalized
	if cfg.Secure && len(cfg.Domains) == 0 {
		return errors.New("secure mode requires at least one --domains entry")
	}
	if cfg.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if cfg.RenewalDays < 1 {
		return errors.New("renewal days must be >= 1")
	}
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir
	}
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "state.db")
	}
	cfg.MappingsFile = strings.TrimSpace(cfg.MappingsFile)
	if cfg.MappingsFile == "" {
		cfg.MappingsFile = defaultMappingsFile
	}
	cfg.Email = strings.TrimSpace(cfg.Email)
	cfg.PprofAddr = strings.TrimSpace(cfg.PprofAddr)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return nil
}

func validPort(p int) error {
	if p <= 0 || p > 65535 {
		return errors.New("must be between 1 and 65535")
	}
	return nil
}

// domainList collects --domains values; each value may hold several
// comma-separated names.
type domainList struct {
	values []string
	set    bool
}

func (d *domainList) String() string {
	return strings.Join(d.values, ",")
}

func (d *domainList) Set(v string) error {
	if !d.set {
		// Flags replace defaults coming from env or the config file.
		d.values = nil
		d.set = true
	}
	d.values = append(d.values, splitDomains(v)...)
	return nil
}

func splitDomains(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// scanConfigFlag finds --config ahead of the real parse so the file can supply
// defaults beneath env and flags.
func scanConfigFlag(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(v)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			v = v[1:end]
		}
	} else if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
