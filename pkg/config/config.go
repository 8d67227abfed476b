// Package config holds the service configuration: defaults, a YAML
// document from a configstore, and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andrej220/tsubame/pkg/config/configstore"
	"github.com/andrej220/tsubame/pkg/config/filestore"
	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

const (
	EnvEncryptionKey = "TSUBAME_ENCRYPTION_KEY"
	EnvMongoURI      = "TSUBAME_MONGO_URI"
	EnvKafkaBrokers  = "TSUBAME_KAFKA_BROKERS"
)

type StoreType string

const (
	MemoryStore StoreType = "memory"
	MongoStore  StoreType = "mongo"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service  ServiceConfig  `yaml:"service" json:"service"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Security SecurityConfig `yaml:"security" json:"security"`
	SSH      SSHConfig      `yaml:"ssh" json:"ssh"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name" validate:"required"`
	ListenAddr      string        `yaml:"listenAddr" json:"listenAddr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" validate:"gt=0"`
}

type LogConfig struct {
	Debug  bool   `yaml:"debug" json:"debug"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryptionKey" json:"-"`
}

type SSHConfig struct {
	ConnectTimeout time.Duration          `yaml:"connectTimeout" json:"connectTimeout" validate:"gt=0"`
	ExecTimeout    time.Duration          `yaml:"execTimeout" json:"execTimeout" validate:"gt=0"`
	CancelWait     time.Duration          `yaml:"cancelWait" json:"cancelWait" validate:"gt=0"`
	KnownHostsFile string                 `yaml:"knownHostsFile" json:"knownHostsFile"`
	Breaker        executor.BreakerConfig `yaml:"breaker" json:"breaker"`
}

type StoreConfig struct {
	Type StoreType `yaml:"type" json:"type" validate:"oneof=memory mongo"`
	// SnapshotPath makes the memory store durable. Empty keeps it in memory.
	SnapshotPath string                  `yaml:"snapshotPath" json:"snapshotPath"`
	Mongo        persistence.MongoConfig `yaml:"mongo" json:"mongo"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Brokers      []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	RequestTopic string   `yaml:"requestTopic" json:"requestTopic"`
	EventTopic   string   `yaml:"eventTopic" json:"eventTopic"`
	GroupID      string   `yaml:"groupID" json:"groupID"`
}

func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "tsubame",
			ListenAddr:      "127.0.0.1:8000",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Format: "json"},
		SSH: SSHConfig{
			ConnectTimeout: 30 * time.Second,
			ExecTimeout:    300 * time.Second,
			CancelWait:     10 * time.Second,
			Breaker:        executor.DefaultBreakerConfig(),
		},
		Store: StoreConfig{
			Type: MemoryStore,
			Mongo: persistence.MongoConfig{
				DBName:         "tsubame",
				ConnectTimeout: 30 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			RequestTopic: "tsubame.execution-requests",
			EventTopic:   "tsubame.execution-events",
			GroupID:      "tsubame",
		},
	}
}

// Load reads path over the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFrom(nil)
	}
	return LoadFrom(filestore.New(path))
}

func LoadFrom(store configstore.ConfigStore) (*Config, error) {
	cfg := Default()
	if store != nil {
		if err := store.Load(cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvEncryptionKey); ok && v != "" {
		c.Security.EncryptionKey = v
	}
	if v, ok := lookup(EnvMongoURI); ok && v != "" {
		c.Store.Mongo.URI = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Store.Type == MongoStore && c.Store.Mongo.URI == "" {
		return fmt.Errorf("%w: store.mongo.uri is required for the mongo store (or set %s)", ErrInvalidConfig, EnvMongoURI)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled (or set %s)", ErrInvalidConfig, EnvKafkaBrokers)
		}
		if c.Kafka.RequestTopic == "" || c.Kafka.EventTopic == "" {
			return fmt.Errorf("%w: kafka.requestTopic and kafka.eventTopic are required", ErrInvalidConfig)
		}
	}
	return nil
}

func (c *Config) Save(store configstore.ConfigStore) error {
	return store.Save(c)
}

func (c LogConfig) Logger(service string) *lg.Config {
	return &lg.Config{ServiceName: service, Debug: c.Debug, Format: c.Format}
}

func (c SSHConfig) Executor() executor.Config {
	return executor.Config{
		ConnectTimeout: c.ConnectTimeout,
		KnownHostsFile: c.KnownHostsFile,
		Breaker:        c.Breaker,
	}
}
