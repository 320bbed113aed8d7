// Package config loads the message service handler settings and the
// processing mode documents.
//
// Settings come from one YAML file with environment variable expansion
// (${VAR} or $VAR), so credentials can be injected at runtime:
//
//	server:
//	  address: ":8080"
//	  basePath: "/msh"
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: msh
//
//	pmodes:
//	  sendingDir: /etc/msh/pmodes/sending
//	  receivingDir: /etc/msh/pmodes/receiving
//
// Every configurable component declares an explicit option schema;
// unknown or missing options fail at load time, not at first use.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root settings structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Bodies    BodiesConfig    `yaml:"bodies"`
	PModes    PModesConfig    `yaml:"pmodes"`
	Receivers ReceiversConfig `yaml:"receivers"`
	Retry     RetryConfig     `yaml:"retry"`
	Submit    SubmitConfig    `yaml:"submit"`
	Pull      PullConfig      `yaml:"pull"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Security  SecurityConfig  `yaml:"security"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	BasePath     string        `yaml:"basePath"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// StorageConfig selects and configures the datastore.
type StorageConfig struct {
	// Type is "memory" or "mongodb".
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds the MongoDB connection settings.
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// BodiesConfig locates the message body store.
type BodiesConfig struct {
	// Type is "file" or "gridfs".
	Type      string `yaml:"type"`
	Directory string `yaml:"directory"`
}

// PModesConfig locates the processing mode documents.
type PModesConfig struct {
	SendingDir   string `yaml:"sendingDir"`
	ReceivingDir string `yaml:"receivingDir"`

	// WatchInterval enables hot reload when positive.
	WatchInterval time.Duration `yaml:"watchInterval"`
}

// ReceiversConfig tunes the datastore pollers and the claim reaper.
type ReceiversConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	Reaper       struct {
		Interval time.Duration `yaml:"interval"`
		MaxAge   time.Duration `yaml:"maxAge"`
	} `yaml:"reaper"`
}

// RetryConfig tunes the retry agent tick.
type RetryConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// SubmitConfig configures the filesystem submit surface; an empty
// directory disables it.
type SubmitConfig struct {
	Directory    string        `yaml:"directory"`
	Pattern      string        `yaml:"pattern"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// PullConfig bounds the exponential pull schedule for PModes that do
// not set their own intervals.
type PullConfig struct {
	BaseInterval time.Duration `yaml:"baseInterval"`
	MaxInterval  time.Duration `yaml:"maxInterval"`
}

// DiscoveryConfig tunes dynamic endpoint discovery for sending PModes
// without a static URL.
type DiscoveryConfig struct {
	// DNSServer is "ip:port"; empty uses the system resolver.
	DNSServer string `yaml:"dnsServer"`
	// Service overrides the U-NAPTR service tag to match.
	Service string `yaml:"service"`
}

// SecurityConfig locates the node's key material. An empty signing or
// encryption section leaves that strategy unconfigured; PModes enabling
// the corresponding policy then fail at send time.
type SecurityConfig struct {
	Signing struct {
		// CertFile and KeyFile are the PEM signing certificate and its
		// RSA private key.
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"signing"`
	Encryption struct {
		// RecipientPublicKeyFile is the peer's X25519 public key (PKIX
		// PEM), used to wrap outbound content keys.
		RecipientPublicKeyFile string `yaml:"recipientPublicKeyFile"`
		// PrivateKeyFile is this node's X25519 private key (PKCS#8 PEM),
		// used to unwrap inbound content keys.
		PrivateKeyFile string `yaml:"privateKeyFile"`
	} `yaml:"encryption"`
}

// MetricsConfig switches the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads, expands and validates the settings file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes already-expanded settings bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/msh"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "msh"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "message_bodies"
	}
	if c.Bodies.Type == "" {
		c.Bodies.Type = "file"
	}
	if c.Receivers.PollInterval == 0 {
		c.Receivers.PollInterval = 3 * time.Second
	}
	if c.Receivers.BatchSize == 0 {
		c.Receivers.BatchSize = 20
	}
	if c.Receivers.Reaper.Interval == 0 {
		c.Receivers.Reaper.Interval = time.Minute
	}
	if c.Receivers.Reaper.MaxAge == 0 {
		c.Receivers.Reaper.MaxAge = 10 * time.Minute
	}
	if c.Retry.PollInterval == 0 {
		c.Retry.PollInterval = 5 * time.Second
	}
	if c.Retry.BatchSize == 0 {
		c.Retry.BatchSize = 50
	}
	if c.Submit.Pattern == "" {
		c.Submit.Pattern = "*.xml"
	}
	if c.Submit.PollInterval == 0 {
		c.Submit.PollInterval = 3 * time.Second
	}
	if c.Submit.Debounce == 0 {
		c.Submit.Debounce = 2 * time.Second
	}
	if c.Pull.BaseInterval == 0 {
		c.Pull.BaseInterval = 5 * time.Second
	}
	if c.Pull.MaxInterval == 0 {
		c.Pull.MaxInterval = 5 * time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory' or 'mongodb', got %q", c.Storage.Type)
	}

	switch c.Bodies.Type {
	case "file":
		if c.Bodies.Directory == "" {
			return fmt.Errorf("bodies.directory is required for the file body store")
		}
	case "gridfs":
		if c.Storage.Type != "mongodb" {
			return fmt.Errorf("bodies.type 'gridfs' needs storage.type 'mongodb'")
		}
	default:
		return fmt.Errorf("bodies.type must be 'file' or 'gridfs', got %q", c.Bodies.Type)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls needs certFile and keyFile when enabled")
		}
	}
	if c.Pull.MaxInterval < c.Pull.BaseInterval {
		return fmt.Errorf("pull.maxInterval must not be below pull.baseInterval")
	}

	signing := c.Security.Signing
	if (signing.CertFile == "") != (signing.KeyFile == "") {
		return fmt.Errorf("security.signing needs both certFile and keyFile")
	}
	return nil
}
