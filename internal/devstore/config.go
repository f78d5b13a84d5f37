package devstore

type Config struct {
	// DataDir holds the metadata database, payloads and in-progress uploads.
	DataDir string
	// Region is reported by GetBucketLocation.
	Region string
}

type ConfigOption func(*Config)

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
