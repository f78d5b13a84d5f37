// Package config loads satchel's process configuration from defaults, an
// optional config file, the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"satchel/internal/objstore"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Temp     TempConfig     `mapstructure:"temp"`
	Log      LogConfig      `mapstructure:"log"`
	Devstore DevstoreConfig `mapstructure:"devstore"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"min=0"`
}

// StoreConfig describes the object store the server proxies to.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" validate:"required,oneof=minio aws"`
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	Port      int    `mapstructure:"port" validate:"min=0,max=65535"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Prefix    string `mapstructure:"prefix"`
	PartSize  uint64 `mapstructure:"part_size" validate:"min=5242880"`
}

type TempConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

type DevstoreConfig struct {
	Port    int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
	Region  string `mapstructure:"region"`
}

// StoreConfig builds the object store client configuration.
func (c *Config) StoreConfig() objstore.Config {
	return objstore.Config{
		Driver:    c.Store.Driver,
		Endpoint:  c.Store.Endpoint,
		Port:      c.Store.Port,
		UseSSL:    c.Store.UseSSL,
		AccessKey: c.Store.AccessKey,
		SecretKey: c.Store.SecretKey,
		Region:    c.Store.Region,
		Bucket:    c.Store.Bucket,
		Prefix:    c.Store.Prefix,
		PartSize:  c.Store.PartSize,
	}
}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"port":          "server.port",
	"store-driver":  "store.driver",
	"endpoint":      "store.endpoint",
	"bucket":        "store.bucket",
	"prefix":        "store.prefix",
	"temp-dir":      "temp.dir",
	"log-level":     "log.level",
	"devstore-port": "devstore.port",
	"data-dir":      "devstore.data_dir",
}

// envAliases are the variable names older deployments configure the store
// with. They are consulted after the SATCHEL_ prefixed name.
var envAliases = map[string]string{
	"store.endpoint":   "MINIO_ENDPOINT",
	"store.port":       "MINIO_PORT",
	"store.use_ssl":    "MINIO_SECURITY",
	"store.access_key": "MINIO_ACCESS_KEY",
	"store.secret_key": "MINIO_SECRET_KEY",
	"store.region":     "MINIO_REGION",
	"store.bucket":     "MINIO_BUCKET",
	"store.prefix":     "MINIO_UPLOADS_FOLDER_NAME",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

func bindEnv(v *viper.Viper) {
	for key, alias := range envAliases {
		name := "SATCHEL_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(key, name, alias)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.cors.enabled", false)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("server.cors.allowed_headers", []string{"Accept", "Content-Type"})
	v.SetDefault("server.cors.exposed_headers", []string{"Content-Disposition", "Content-Length"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.cors.max_age", 300)

	v.SetDefault("store.driver", objstore.DriverMinio)
	v.SetDefault("store.endpoint", "localhost")
	v.SetDefault("store.port", 9000)
	v.SetDefault("store.use_ssl", false)
	v.SetDefault("store.access_key", "")
	v.SetDefault("store.secret_key", "")
	v.SetDefault("store.region", objstore.DefaultRegion)
	v.SetDefault("store.bucket", "uploads")
	v.SetDefault("store.prefix", "")
	v.SetDefault("store.part_size", objstore.DefaultPartSize)

	v.SetDefault("temp.dir", os.TempDir())

	v.SetDefault("log.level", "info")

	v.SetDefault("devstore.port", 9000)
	v.SetDefault("devstore.data_dir", "./data")
	v.SetDefault("devstore.region", "us-east-1")
}

// Load reads configuration and returns a validated Config.
// Precedence, highest first: flags, environment, config file, defaults.
// configFile may be empty, in which case ./config.yaml is used if present.
// flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("Error reading config file", "err", err)
			}
		}
	}

	v.SetEnvPrefix("SATCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if flags != nil {
		bindFlags(v, flags)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
