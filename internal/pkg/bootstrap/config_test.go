package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Len(t, cfg.Seed, 5)
}

func TestLoadConfig_YAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  port: 9000
reservation:
  defaultTimeoutMinutes: 30
  reapInterval: 5s
  lockWait: 500ms
store:
  driver: mysql
  mysql:
    dsn: "user:pw@tcp(db:3306)/inventory"
seed:
  - { sku: ONLY-1, productName: Only, quantity: 3 }
`)
	t.Setenv("PORT", "9100")
	t.Setenv("LOCK_BACKEND", "zookeeper")
	t.Setenv("ZOOKEEPER_SERVERS", "zk1:2181, zk2:2181")
	t.Setenv("KAFKA_BROKERS", "kafka:9092")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.App.Port)
	assert.Equal(t, 30, cfg.Reservation.DefaultTimeoutMinutes)
	assert.Equal(t, 5*time.Second, cfg.Reservation.ReapInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Reservation.LockWait)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, "row", cfg.Store.MySQL.LockMode)
	assert.Equal(t, "zookeeper", cfg.Store.LockBackend)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Infra.Zookeeper.Servers)
	assert.True(t, cfg.Infra.Kafka.Enabled)
	assert.Equal(t, []SeedItem{{SKU: "ONLY-1", ProductName: "Only", Quantity: 3}}, cfg.Seed)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"unknown driver", "store:\n  driver: postgres\n", nil},
		{"mysql without dsn", "store:\n  driver: mysql\n", nil},
		{"redis without addrs", "store:\n  lockBackend: redis\n", nil},
		{"bad port env", "", map[string]string{"PORT": "eighty"}},
		{"malformed yaml", "app: [", nil},
		{"seed without sku", "seed:\n  - productName: Nameless\n    quantity: 1\n", nil},
		{"seed with negative quantity", "seed:\n  - sku: BAD-1\n    quantity: -5\n", nil},
		{"duplicate seed sku", "seed:\n  - sku: DUP-1\n    quantity: 1\n  - sku: DUP-1\n    quantity: 2\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	SetCurrentConfig(nil)
	assert.Equal(t, DefaultConfig(), GetCurrentConfig())

	cfg := DefaultConfig()
	cfg.App.Port = 1234
	SetCurrentConfig(cfg)
	t.Cleanup(func() { SetCurrentConfig(nil) })
	assert.Equal(t, 1234, GetCurrentConfig().App.Port)
}
