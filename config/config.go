package config

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/ledger/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORGANCHAIN_"

const (
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"
)

type LedgerConfig struct {
	KeyFile          string        `yaml:"key_file"`
	SnapshotBackend  string        `yaml:"snapshot_backend"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	PersistInterval  time.Duration `yaml:"persist_interval"`
	DecryptCacheSize int           `yaml:"decrypt_cache_size"`
	// Remote is the address of an audit server to log to instead of a local chain.
	Remote string `yaml:"remote"`
	// RemoteCA enables TLS towards Remote, trusting only this CA.
	RemoteCA         string `yaml:"remote_ca"`
	RemoteServerName string `yaml:"remote_server_name"`
}

type RegistryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Registry RegistryConfig `yaml:"registry"`
	Server   ServerConfig   `yaml:"server"`
	Log      logger.Config  `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			KeyFile:          "data/secret.key",
			SnapshotBackend:  storage.BackendFile,
			SnapshotPath:     "data/blockchain.json",
			PersistInterval:  30 * time.Second,
			DecryptCacheSize: 1024,
		},
		Registry: RegistryConfig{
			Driver: RegistrySQLite,
			DSN:    "data/registry.db",
		},
		Server: ServerConfig{
			Address: "127.0.0.1:7070",
		},
		Log: *logger.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), a .env file (if one is found) and ORGANCHAIN_*
// environment variables, later sources winning.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file: %s", path)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file: %s", path)
		}
	}

	if err := loadEnvFile(); err != nil {
		return nil, errors.Wrap(err, "failed to load .env file")
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	c.Ledger.KeyFile = getEnvOrDefault(EnvPrefix+"KEY_FILE", c.Ledger.KeyFile)
	c.Ledger.SnapshotBackend = getEnvOrDefault(EnvPrefix+"SNAPSHOT_BACKEND", c.Ledger.SnapshotBackend)
	c.Ledger.SnapshotPath = getEnvOrDefault(EnvPrefix+"SNAPSHOT_PATH", c.Ledger.SnapshotPath)
	c.Ledger.Remote = getEnvOrDefault(EnvPrefix+"LEDGER_REMOTE", c.Ledger.Remote)
	c.Ledger.RemoteCA = getEnvOrDefault(EnvPrefix+"LEDGER_REMOTE_CA", c.Ledger.RemoteCA)
	c.Registry.Driver = getEnvOrDefault(EnvPrefix+"REGISTRY_DRIVER", c.Registry.Driver)
	c.Registry.DSN = getEnvOrDefault(EnvPrefix+"REGISTRY_DSN", c.Registry.DSN)
	c.Server.Address = getEnvOrDefault(EnvPrefix+"SERVER_ADDRESS", c.Server.Address)
	c.Server.TLSCert = getEnvOrDefault(EnvPrefix+"SERVER_TLS_CERT", c.Server.TLSCert)
	c.Server.TLSKey = getEnvOrDefault(EnvPrefix+"SERVER_TLS_KEY", c.Server.TLSKey)
	c.Log.Level = logger.LogLevel(getEnvOrDefault(EnvPrefix+"LOG_LEVEL", string(c.Log.Level)))
	c.Log.Encoding = getEnvOrDefault(EnvPrefix+"LOG_ENCODING", c.Log.Encoding)
	c.Log.Development = getEnvBoolOrDefault(EnvPrefix+"LOG_DEVELOPMENT", c.Log.Development)

	if value := os.Getenv(EnvPrefix + "PERSIST_INTERVAL"); value != "" {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid %sPERSIST_INTERVAL", EnvPrefix)
		}
		c.Ledger.PersistInterval = interval
	}
	if value := os.Getenv(EnvPrefix + "DECRYPT_CACHE_SIZE"); value != "" {
		size, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "invalid %sDECRYPT_CACHE_SIZE", EnvPrefix)
		}
		c.Ledger.DecryptCacheSize = size
	}
	return nil
}

// Validate rejects settings the components cannot start with.
func (c *Config) Validate() error {
	if c.Ledger.Remote == "" && c.Ledger.KeyFile == "" {
		return errors.New("ledger.key_file cannot be empty")
	}
	switch c.Ledger.SnapshotBackend {
	case storage.BackendFile, storage.BackendLevelDB:
	default:
		return errors.Errorf("unknown ledger.snapshot_backend %q", c.Ledger.SnapshotBackend)
	}
	if c.Ledger.PersistInterval < 0 {
		return errors.New("ledger.persist_interval cannot be negative")
	}
	if c.Ledger.DecryptCacheSize < 0 {
		return errors.New("ledger.decrypt_cache_size cannot be negative")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Registry.Driver {
	case RegistryMemory:
	case RegistrySQLite:
		if c.Registry.DSN == "" {
			return errors.New("registry.dsn cannot be empty")
		}
	default:
		return errors.Errorf("unknown registry.driver %q", c.Registry.Driver)
	}
	return nil
}

// loadEnvFile copies KEY=VALUE lines of the first .env file found into the
// environment. Variables already set are left alone. No file is not an error.
func loadEnvFile() error {
	possiblePaths := []string{
		"config/.env",
		".env",
	}

	var envPath string
	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			envPath = path
			break
		}
	}
	if envPath == "" {
		return nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open .env file: %s", envPath)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
	logger.Debugf("Loaded environment from %s", envPath)
	return scanner.Err()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

func (c *Config) PrintConfig() {
	logger.Infof("=== Configuration ===")
	if c.Ledger.Remote != "" {
		logger.Infof(" > Ledger: remote %s (tls: %t)", c.Ledger.Remote, c.Ledger.RemoteCA != "")
	} else {
		logger.Infof(" > Ledger Key File: %s", c.Ledger.KeyFile)
		logger.Infof(" > Snapshot: %s (%s)", c.Ledger.SnapshotPath, c.Ledger.SnapshotBackend)
		logger.Infof(" > Persist Interval: %s", c.Ledger.PersistInterval)
		logger.Infof(" > Decrypt Cache Size: %d", c.Ledger.DecryptCacheSize)
	}
	logger.Infof(" > Registry: %s %s", c.Registry.Driver, c.Registry.DSN)
	logger.Infof(" > Server Address: %s (tls: %t)", c.Server.Address, c.Server.TLSCert != "")
	logger.Infof(" > Log Level: %s", c.Log.Level)
}
