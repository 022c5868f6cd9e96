package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/ledger/storage"
	"github.com/onsi/gomega"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// inTempDir runs the test from an empty directory so no stray .env is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	g := gomega.NewWithT(t)
	inTempDir(t)

	config, err := Load("")
	g.Expect(err).ToNot(gomega.HaveOccurred())
	g.Expect(config).To(gomega.Equal(Default()))
	g.Expect(config.Ledger.SnapshotBackend).To(gomega.Equal(storage.BackendFile))
	g.Expect(config.Ledger.PersistInterval).To(gomega.Equal(30 * time.Second))
}

func TestLoadYAML(t *testing.T) {
	g := gomega.NewWithT(t)
	dir := inTempDir(t)
	path := filepath.Join(dir, "organchain.yaml")
	writeFile(t, path, `
ledger:
  key_file: /etc/organchain/key
  snapshot_backend: leveldb
  snapshot_path: /var/lib/organchain/chain
  persist_interval: 5s
  decrypt_cache_size: 16
registry:
  dsn: /var/lib/organchain/registry.db
server:
  address: 0.0.0.0:9000
log:
  level: debug
  encoding: json
`)

	config, err := Load(path)
	g.Expect(err).ToNot(gomega.HaveOccurred())
	g.Expect(config.Ledger).To(gomega.Equal(LedgerConfig{
		KeyFile:          "/etc/organchain/key",
		SnapshotBackend:  storage.BackendLevelDB,
		SnapshotPath:     "/var/lib/organchain/chain",
		PersistInterval:  5 * time.Second,
		DecryptCacheSize: 16,
	}))
	g.Expect(config.Registry).To(gomega.Equal(RegistryConfig{Driver: RegistrySQLite, DSN: "/var/lib/organchain/registry.db"}))
	g.Expect(config.Server.Address).To(gomega.Equal("0.0.0.0:9000"))
	g.Expect(config.Log.Level).To(gomega.Equal(logger.DebugLevel))
	g.Expect(config.Log.Encoding).To(gomega.Equal("json"))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	g := gomega.NewWithT(t)
	dir := inTempDir(t)
	path := filepath.Join(dir, "organchain.yaml")
	writeFile(t, path, "ledger:\n  keyfile: typo\n")

	_, err := Load(path)
	g.Expect(err).To(gomega.MatchError(gomega.ContainSubstring("failed to parse config file")))
}

func TestEnvironmentOverrides(t *testing.T) {
	g := gomega.NewWithT(t)
	dir := inTempDir(t)
	writeFile(t, filepath.Join(dir, ".env"), `
# comment
ORGANCHAIN_SERVER_ADDRESS="10.0.0.1:7070"
ORGANCHAIN_REGISTRY_DRIVER=memory
ORGANCHAIN_LOG_LEVEL=warn
`)
	t.Setenv("ORGANCHAIN_PERSIST_INTERVAL", "1m")
	t.Setenv("ORGANCHAIN_LOG_LEVEL", "error")
	t.Setenv("ORGANCHAIN_SERVER_ADDRESS", "")
	t.Setenv("ORGANCHAIN_REGISTRY_DRIVER", "")
	os.Unsetenv("ORGANCHAIN_SERVER_ADDRESS")
	os.Unsetenv("ORGANCHAIN_REGISTRY_DRIVER")

	config, err := Load("")
	g.Expect(err).ToNot(gomega.HaveOccurred())
	g.Expect(config.Server.Address).To(gomega.Equal("10.0.0.1:7070"))
	g.Expect(config.Registry.Driver).To(gomega.Equal(RegistryMemory))
	g.Expect(config.Ledger.PersistInterval).To(gomega.Equal(time.Minute))
	// the real environment wins over .env
	g.Expect(config.Log.Level).To(gomega.Equal(logger.ErrorLevel))
}

func TestInvalidSettings(t *testing.T) {
	inTempDir(t)
	cases := map[string]func(c *Config){
		"backend":  func(c *Config) { c.Ledger.SnapshotBackend = "s3" },
		"key":      func(c *Config) { c.Ledger.KeyFile = "" },
		"interval": func(c *Config) { c.Ledger.PersistInterval = -time.Second },
		"cache":    func(c *Config) { c.Ledger.DecryptCacheSize = -1 },
		"driver":   func(c *Config) { c.Registry.Driver = "postgres" },
		"dsn":      func(c *Config) { c.Registry.DSN = "" },
		"tls":      func(c *Config) { c.Server.TLSCert = "server.pem" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g := gomega.NewWithT(t)
			config := Default()
			mutate(config)
			g.Expect(config.Validate()).ToNot(gomega.Succeed())
		})
	}

	g := gomega.NewWithT(t)
	t.Setenv("ORGANCHAIN_DECRYPT_CACHE_SIZE", "lots")
	_, err := Load("")
	g.Expect(err).To(gomega.HaveOccurred())
}
