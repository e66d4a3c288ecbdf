// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/inventory-service.yaml"

// Config 是服务的全部配置，先读 YAML，再用环境变量覆盖。
type Config struct {
	App         AppConfig         `yaml:"app"`
	Reservation ReservationConfig `yaml:"reservation"`
	Store       StoreConfig       `yaml:"store"`
	Infra       InfraConfig       `yaml:"infra"`
	Seed        []SeedItem        `yaml:"seed"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
}

type ReservationConfig struct {
	DefaultTimeoutMinutes int           `yaml:"defaultTimeoutMinutes"`
	ReapInterval          time.Duration `yaml:"reapInterval"`
	ReapBatchSize         int           `yaml:"reapBatchSize"`
	LockWait              time.Duration `yaml:"lockWait"`
	ReservePolicy         string        `yaml:"reservePolicy"` // CEL 表达式，空表示不限制
}

type StoreConfig struct {
	Driver      string      `yaml:"driver"`      // memory | mysql
	LockBackend string      `yaml:"lockBackend"` // local | redis | zookeeper
	MySQL       MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	DSN         string `yaml:"dsn"`
	LockMode    string `yaml:"lockMode"` // row | external
	AutoMigrate bool   `yaml:"autoMigrate"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Redis     RedisConfig     `yaml:"redis"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type RedisConfig struct {
	Addrs     string        `yaml:"addrs"` // 逗号分隔
	KeyPrefix string        `yaml:"keyPrefix"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

// SeedItem 是启动时确保存在的库存记录。
type SeedItem struct {
	SKU         string `yaml:"sku"`
	ProductName string `yaml:"productName"`
	Quantity    int    `yaml:"quantity"`
}

var (
	currentConfig *Config
	configMu      sync.RWMutex
)

// DefaultConfig 返回不依赖任何外部组件即可运行的配置。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "inventory-service", Port: 8082, LogLevel: "info"},
		Reservation: ReservationConfig{
			DefaultTimeoutMinutes: 15,
			ReapInterval:          time.Minute,
			ReapBatchSize:         500,
			LockWait:              2 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "memory",
			LockBackend: "local",
			MySQL:       MySQLConfig{LockMode: "row", AutoMigrate: true},
		},
		Infra: InfraConfig{
			Redis:     RedisConfig{KeyPrefix: "inventory:lock:", LockTTL: 10 * time.Second},
			Zookeeper: ZookeeperConfig{SessionTimeout: 5 * time.Second},
			Kafka:     KafkaConfig{Topic: "inventory-reservation-events"},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP"},
		},
		Seed: []SeedItem{
			{SKU: "LAPTOP-001", ProductName: "Laptop", Quantity: 100},
			{SKU: "PHONE-001", ProductName: "Smartphone", Quantity: 500},
			{SKU: "TABLET-001", ProductName: "Tablet", Quantity: 50},
			{SKU: "MONITOR-001", ProductName: "Monitor", Quantity: 200},
			{SKU: "KEYBOARD-001", ProductName: "Keyboard", Quantity: 150},
		},
	}
}

// LoadConfig 读取 path 指向的 YAML 并应用环境变量。文件不存在时使用默认值。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	case os.IsNotExist(err):
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
	default:
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init 从 CONFIG_PATH 加载配置并设为当前配置，失败直接退出。
func Init() {
	cfg, err := LoadConfig(getEnv("CONFIG_PATH", defaultConfigPath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	SetCurrentConfig(cfg)
}

// GetCurrentConfig 返回当前配置；未初始化时返回默认配置。
func GetCurrentConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if currentConfig == nil {
		return DefaultConfig()
	}
	return currentConfig
}

func SetCurrentConfig(cfg *Config) {
	configMu.Lock()
	currentConfig = cfg
	configMu.Unlock()
}

// Validate 检查取值范围和枚举项。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Store.LockBackend {
	case "local", "redis", "zookeeper":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Store.LockBackend)
	}
	if c.Store.Driver == "mysql" {
		if c.Store.MySQL.DSN == "" {
			return errors.New("store.mysql.dsn is required for the mysql driver")
		}
		if c.Store.MySQL.LockMode != "row" && c.Store.MySQL.LockMode != "external" {
			return fmt.Errorf("unknown mysql lock mode %q", c.Store.MySQL.LockMode)
		}
	}
	if c.Store.LockBackend == "redis" && c.Infra.Redis.Addrs == "" {
		return errors.New("infra.redis.addrs is required for the redis lock backend")
	}
	if c.Store.LockBackend == "zookeeper" && len(c.Infra.Zookeeper.Servers) == 0 {
		return errors.New("infra.zookeeper.servers is required for the zookeeper lock backend")
	}
	if c.Infra.Kafka.Enabled && len(c.Infra.Kafka.Brokers) == 0 {
		return errors.New("infra.kafka.brokers is required when kafka is enabled")
	}
	if c.App.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.App.Port)
	}
	if c.Reservation.DefaultTimeoutMinutes < 1 {
		return fmt.Errorf("reservation.defaultTimeoutMinutes must be at least 1, got %d", c.Reservation.DefaultTimeoutMinutes)
	}
	if c.Reservation.LockWait <= 0 {
		return errors.New("reservation.lockWait must be positive")
	}

	seen := make(map[string]bool, len(c.Seed))
	for i, item := range c.Seed {
		switch {
		case strings.TrimSpace(item.SKU) == "":
			return fmt.Errorf("seed[%d]: sku is required", i)
		case item.Quantity < 0:
			return fmt.Errorf("seed[%d] %s: quantity must not be negative, got %d", i, item.SKU, item.Quantity)
		case seen[item.SKU]:
			return fmt.Errorf("seed[%d]: duplicate sku %s", i, item.SKU)
		}
		seen[item.SKU] = true
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", v)
		}
		cfg.App.Port = port
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		cfg.Infra.Kafka.Brokers = splitList(v)
		cfg.Infra.Kafka.Enabled = len(cfg.Infra.Kafka.Brokers) > 0
	}
	if v, ok := os.LookupEnv("ZOOKEEPER_SERVERS"); ok {
		cfg.Infra.Zookeeper.Servers = splitList(v)
	}
	if v, ok := os.LookupEnv("NACOS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid NACOS_ENABLED %q", v)
		}
		cfg.Infra.Nacos.Enabled = enabled
	}

	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.LockBackend = getEnv("LOCK_BACKEND", cfg.Store.LockBackend)
	cfg.Store.MySQL.DSN = getEnv("MYSQL_DSN", cfg.Store.MySQL.DSN)
	cfg.Store.MySQL.LockMode = getEnv("MYSQL_LOCK_MODE", cfg.Store.MySQL.LockMode)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
