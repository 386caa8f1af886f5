package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Index     IndexConfig     `yaml:"index"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Fuse      FuseConfig      `yaml:"fuse"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Backup    BackupConfig    `yaml:"backup"`
	Scanner   ScannerConfig   `yaml:"scanner"`
}

type ServerConfig struct {
	Address             string          `yaml:"address"`
	Port                int             `yaml:"port"`
	ShutdownTimeoutSecs int             `yaml:"shutdown_timeout_secs"`
	ProxyProtocol       bool            `yaml:"proxy_protocol"` // expect PROXY v1 headers from the load balancer
	TLS                 TLSConfig       `yaml:"tls"`
	AutoTLS             AutoTLSConfig   `yaml:"auto_tls"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IPRPS       float64 `yaml:"ip_rps"`
	IPBurst     int     `yaml:"ip_burst"`
	BucketRPS   float64 `yaml:"bucket_rps"`
	BucketBurst int     `yaml:"bucket_burst"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AutoTLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Domains    []string `yaml:"domains"`
	CacheDir   string   `yaml:"cache_dir"`
	Email      string   `yaml:"email"`
	SelfSigned bool     `yaml:"self_signed"`
}

type IndexConfig struct {
	DataDir         string `yaml:"data_dir"`
	LockTimeoutSecs int    `yaml:"lock_timeout_secs"`
	DefaultPageSize int    `yaml:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	AccessLog string `yaml:"access_log"` // JSONL audit file; empty disables
}

type NotifyConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	QueueSize   int `yaml:"queue_size"`
	TimeoutSecs int `yaml:"timeout_secs"`
	MaxRetries  int `yaml:"max_retries"`

	Webhooks []WebhookConfig `yaml:"webhooks"`

	NATS          NATSConfig          `yaml:"nats"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	AMQP          AMQPConfig          `yaml:"amqp"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

type WebhookConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Events   []string `yaml:"events"` // event name patterns, e.g. "object.*"; empty matches all
	Prefix   string   `yaml:"prefix"`
	Suffix   string   `yaml:"suffix"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"` // empty routes by event type
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type ElasticsearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Index   string `yaml:"index"`
}

type ClusterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	NodeID        string   `yaml:"node_id"`
	BindAddr      string   `yaml:"bind_addr"`
	RaftPort      int      `yaml:"raft_port"`
	DataDir       string   `yaml:"data_dir"`
	Bootstrap     bool     `yaml:"bootstrap"`
	Peers         []string `yaml:"peers"` // "nodeID@host:port"
	SnapshotCount int      `yaml:"snapshot_count"`
}

type FuseConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mountpoint"`
	Bucket     string `yaml:"bucket"` // restrict the view to one bucket; empty mounts all
}

type LifecycleConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalSecs     int  `yaml:"interval_secs"`
	UploadExpiryDays int  `yaml:"upload_expiry_days"`
}

type BackupConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ScheduleCron string `yaml:"schedule_cron"` // "M H * * *"
	Dir          string `yaml:"dir"`
	Keep         int    `yaml:"keep"` // snapshots to retain; 0 keeps all
}

type ScannerConfig struct {
	Enabled      bool `yaml:"enabled"`
	IntervalSecs int  `yaml:"interval_secs"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                9400,
			ShutdownTimeoutSecs: 30,
			RateLimit: RateLimitConfig{
				IPRPS:       50,
				IPBurst:     100,
				BucketRPS:   200,
				BucketBurst: 400,
			},
		},
		Index: IndexConfig{
			DataDir:         "./data",
			LockTimeoutSecs: 5,
			DefaultPageSize: 100,
			MaxPageSize:     1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			TimeoutSecs: 10,
			MaxRetries:  3,
			NATS: NATSConfig{
				Subject: "keydex.events",
			},
			Kafka: KafkaConfig{
				Topic: "keydex-events",
			},
			Redis: RedisConfig{
				Channel: "keydex:events",
			},
			AMQP: AMQPConfig{
				Exchange: "keydex.events",
			},
			Postgres: PostgresConfig{
				Table: "keydex_events",
			},
			Elasticsearch: ElasticsearchConfig{
				Index: "keydex-events",
			},
		},
		Cluster: ClusterConfig{
			BindAddr:      "0.0.0.0",
			RaftPort:      9401,
			DataDir:       "./raft",
			SnapshotCount: 8192,
		},
		Lifecycle: LifecycleConfig{
			IntervalSecs:     3600,
			UploadExpiryDays: 7,
		},
		Backup: BackupConfig{
			ScheduleCron: "0 3 * * *",
			Dir:          "./backups",
			Keep:         7,
		},
		Scanner: ScannerConfig{
			IntervalSecs: 21600,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if c.Index.DefaultPageSize < 1 {
		return fmt.Errorf("index: default_page_size must be positive")
	}
	if c.Index.MaxPageSize < c.Index.DefaultPageSize {
		return fmt.Errorf("index: max_page_size %d below default_page_size %d",
			c.Index.MaxPageSize, c.Index.DefaultPageSize)
	}
	if c.Server.TLS.Enabled && !c.Server.AutoTLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: tls requires cert_file and key_file (or auto_tls)")
		}
	}
	if c.Cluster.Enabled && c.Cluster.NodeID == "" {
		return fmt.Errorf("cluster: node_id is required")
	}
	if c.Fuse.Enabled && c.Fuse.MountPoint == "" {
		return fmt.Errorf("fuse: mountpoint is required")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.IPRPS <= 0 || c.Server.RateLimit.BucketRPS <= 0 {
			return fmt.Errorf("server: rate_limit rates must be positive")
		}
	}
	if c.Lifecycle.Enabled {
		if c.Lifecycle.IntervalSecs < 1 || c.Lifecycle.UploadExpiryDays < 1 {
			return fmt.Errorf("lifecycle: interval_secs and upload_expiry_days must be positive")
		}
	}
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup: dir is required")
		}
		if len(strings.Fields(c.Backup.ScheduleCron)) < 2 {
			return fmt.Errorf("backup: schedule_cron must look like \"M H * * *\"")
		}
	}
	if c.Scanner.Enabled && c.Scanner.IntervalSecs < 1 {
		return fmt.Errorf("scanner: interval_secs must be positive")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// RaftAddr returns the advertised raft bind address for this node.
func (c *ClusterConfig) RaftAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.RaftPort)
}
