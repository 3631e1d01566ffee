package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Supported search drivers
const (
	DriverElasticsearch = "elasticsearch"
	DriverOpenSearch    = "opensearch"
	DriverBleve         = "bleve"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
	Search  SearchConfig  `mapstructure:"search"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Indexes []IndexConfig `mapstructure:"indexes"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// MongoDBConfig contains MongoDB connection settings
type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Timeout  int    `mapstructure:"timeout"` // in seconds
}

// SearchConfig contains search engine settings
type SearchConfig struct {
	Driver    string   `mapstructure:"driver"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Insecure  bool     `mapstructure:"insecure"`   // skip TLS verification
	IndexPath string   `mapstructure:"index_path"` // bleve only
	Refresh   string   `mapstructure:"refresh"`    // refresh parameter sent with bulk requests
	// Propagate soft delete markers instead of removing trashed records
	SoftDelete bool `mapstructure:"soft_delete"`
	// Emit _type on requests, for clusters older than 7.0
	DocumentTypes bool   `mapstructure:"document_types"`
	BatchSize     int    `mapstructure:"batch_size"`
	SyncStatePath string `mapstructure:"sync_state_path"` // Path to store sync state for persistence
}

// KafkaConfig contains change feed consumer settings
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// IndexConfig maps a MongoDB collection onto a search index
type IndexConfig struct {
	Name           string   `mapstructure:"name"`
	Database       string   `mapstructure:"database"`
	Collection     string   `mapstructure:"collection"`
	IDField        string   `mapstructure:"id_field,omitempty"`        // defaults to "_id"
	TimestampField string   `mapstructure:"timestamp_field,omitempty"` // field used for polling, defaults to "updated_at"
	DeletedField   string   `mapstructure:"deleted_field,omitempty"`   // non-null value marks a soft deleted document
	Fields         []string `mapstructure:"fields,omitempty"`          // searchable fields, empty means all
	PollInterval   int      `mapstructure:"poll_interval,omitempty"`   // in seconds, 0 disables polling
}

// KeyField returns the document field holding the record key
func (i IndexConfig) KeyField() string {
	if i.IDField == "" {
		return "_id"
	}
	return i.IDField
}

// PollField returns the field compared against the last poll time
func (i IndexConfig) PollField() string {
	if i.TimestampField == "" {
		return "updated_at"
	}
	return i.TimestampField
}

// SearchableAs implements scout.Collection
func (i IndexConfig) SearchableAs() string {
	return i.Name
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/elastic-scout")
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("SCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("mongodb.timeout", 30)
	viper.SetDefault("search.driver", DriverElasticsearch)
	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("search.index_path", "./indexes")
	viper.SetDefault("search.soft_delete", false)
	viper.SetDefault("search.document_types", false)
	viper.SetDefault("search.batch_size", 500)
	viper.SetDefault("search.sync_state_path", "./sync_state.json")
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.topic", "search.changes")
	viper.SetDefault("kafka.group_id", "elastic-scout")
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Search.Driver {
	case DriverElasticsearch, DriverOpenSearch:
		if len(c.Search.Addresses) == 0 {
			return fmt.Errorf("search.addresses is required for driver %s", c.Search.Driver)
		}
	case DriverBleve:
		if c.Search.IndexPath == "" {
			return errors.New("search.index_path is required for driver bleve")
		}
	default:
		return fmt.Errorf("unknown search driver %q", c.Search.Driver)
	}

	if c.Search.BatchSize <= 0 {
		return errors.New("search.batch_size must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}

	seen := make(map[string]bool, len(c.Indexes))
	for _, idx := range c.Indexes {
		if idx.Name == "" {
			return errors.New("index name is required")
		}
		if idx.Collection == "" {
			return fmt.Errorf("index %s: collection is required", idx.Name)
		}
		if seen[idx.Name] {
			return fmt.Errorf("index %s is configured more than once", idx.Name)
		}
		seen[idx.Name] = true
	}

	return nil
}

// Index returns the configuration of the named index
func (c *Config) Index(name string) (IndexConfig, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexConfig{}, false
}

// GetMongoURI returns the complete MongoDB connection URI
func (c *MongoDBConfig) GetMongoURI() string {
	if c.URI != "" {
		return c.URI
	}

	// Build URI from components if not provided directly
	uri := "mongodb://"
	if c.Username != "" && c.Password != "" {
		uri += fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}
	uri += "localhost:27017"
	return uri
}
