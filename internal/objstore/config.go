package objstore

import "time"

const (
	DriverMinio = "minio"
	DriverAWS   = "aws"

	DefaultRegion      = "eu-west-2"
	DefaultPartSize    = 16 * 1024 * 1024
	DefaultInitTimeout = 30 * time.Second
)

// Config describes how to reach the object store and where objects live.
type Config struct {
	// Driver selects the client implementation, "minio" or "aws".
	Driver    string
	Endpoint  string
	Port      int
	UseSSL    bool
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	// Prefix is the "uploads folder" every key is stored under.
	Prefix string
	// PartSize bounds the buffer used for uploads of unknown length.
	PartSize uint64
	// InitTimeout bounds connection and bucket initialization.
	InitTimeout time.Duration

	dial Dialer
}

type ConfigOption func(*Config)

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithPrefix(prefix string) ConfigOption {
	return func(cfg *Config) {
		cfg.Prefix = prefix
	}
}

func WithPartSize(size uint64) ConfigOption {
	return func(cfg *Config) {
		cfg.PartSize = size
	}
}

func WithInitTimeout(timeout time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.InitTimeout = timeout
	}
}

// WithDialer replaces the function used to construct the backend handle.
func WithDialer(dial Dialer) ConfigOption {
	return func(cfg *Config) {
		cfg.dial = dial
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Driver == "" {
		cfg.Driver = DriverMinio
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.dial == nil {
		cfg.dial = Dial
	}
}
