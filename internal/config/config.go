package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Cache backends for RPC results.
const (
	CachePostgres = "postgres"
	CachePebble   = "pebble"
	CacheNone     = "none"
)

// Config holds configuration values for the run command, loaded from flags, env, or
// config file.
type Config struct {
	RPCURL          string
	ChainID         uint64
	PGDSN           string
	Cache           string
	CachePath       string
	FinalityDepth   uint64
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	Workers         int
	BatchSize       uint64
	FromBlock       uint64
	ToBlock         uint64
	IncludeTraces   bool

	Source           string
	ABIPath          string
	Addresses        []string
	Events           []string
	FactoryAddresses []string
	FactoryABIPath   string
	FactoryEvent     string
	FactoryParameter string

	UnparsedOut string
	MetricsAddr string
	LogLevel    string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := newViper()
	v.SetDefault("cache", CachePostgres)
	v.SetDefault("cache-path", "./data/rpc-cache")
	v.SetDefault("finality-depth", uint64(10))
	v.SetDefault("max-retries", 9)
	v.SetDefault("retry-backoff", 250*time.Millisecond)
	v.SetDefault("retry-max-backoff", 10*time.Second)
	v.SetDefault("workers", 8)
	v.SetDefault("batch-size", uint64(100))
	v.SetDefault("source", "Contract")
	v.SetDefault("unparsed-out", "./data/unparsed_logs.jsonl")
	v.SetDefault("log-level", "info")

	if err := readConfig(v, cfgFile, flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:           v.GetString("rpc"),
		ChainID:          v.GetUint64("chain-id"),
		PGDSN:            v.GetString("pg-dsn"),
		Cache:            strings.ToLower(v.GetString("cache")),
		CachePath:        v.GetString("cache-path"),
		FinalityDepth:    v.GetUint64("finality-depth"),
		MaxRetries:       v.GetInt("max-retries"),
		RetryBackoff:     v.GetDuration("retry-backoff"),
		RetryMaxBackoff:  v.GetDuration("retry-max-backoff"),
		Workers:          v.GetInt("workers"),
		BatchSize:        v.GetUint64("batch-size"),
		FromBlock:        v.GetUint64("from"),
		ToBlock:          v.GetUint64("to"),
		IncludeTraces:    v.GetBool("include-traces"),
		Source:           v.GetString("source"),
		ABIPath:          v.GetString("abi"),
		Addresses:        getStringSlice(v, "address"),
		Events:           getStringSlice(v, "event"),
		FactoryAddresses: getStringSlice(v, "factory-address"),
		FactoryABIPath:   v.GetString("factory-abi"),
		FactoryEvent:     v.GetString("factory-event"),
		FactoryParameter: v.GetString("factory-parameter"),
		UnparsedOut:      v.GetString("unparsed-out"),
		MetricsAddr:      v.GetString("metrics-addr"),
		LogLevel:         v.GetString("log-level"),
	}
	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.RPCURL == "":
		return errors.New("rpc url is required")
	case c.ChainID == 0:
		return errors.New("chain id is required")
	case c.PGDSN == "":
		return errors.New("pg dsn is required")
	case c.ABIPath == "":
		return errors.New("abi path is required")
	case c.Workers <= 0:
		return errors.New("workers must be greater than zero")
	case c.BatchSize == 0:
		return errors.New("batch size must be greater than zero")
	case c.ToBlock != 0 && c.ToBlock < c.FromBlock:
		return fmt.Errorf("to block %d is before from block %d", c.ToBlock, c.FromBlock)
	}

	factory := len(c.FactoryAddresses) > 0 || c.FactoryABIPath != "" || c.FactoryEvent != "" || c.FactoryParameter != ""
	switch {
	case factory && len(c.Addresses) > 0:
		return errors.New("address and factory-address are mutually exclusive")
	case factory && (len(c.FactoryAddresses) == 0 || c.FactoryEvent == "" || c.FactoryParameter == ""):
		return errors.New("factory requires factory-address, factory-event and factory-parameter")
	case !factory && len(c.Addresses) == 0:
		return errors.New("address list or factory is required")
	}

	switch c.Cache {
	case CachePostgres, CacheNone:
	case CachePebble:
		if c.CachePath == "" {
			return errors.New("cache path is required for the pebble cache")
		}
	default:
		return fmt.Errorf("unknown cache %q (postgres, pebble, none)", c.Cache)
	}
	return nil
}

// StoreConfig holds configuration for commands that only talk to the sync store.
type StoreConfig struct {
	PGDSN    string
	LogLevel string
}

// LoadStore merges config file, environment variables, and flags into StoreConfig.
func LoadStore(cfgFile string, flags *pflag.FlagSet) (StoreConfig, error) {
	v := newViper()
	v.SetDefault("log-level", "info")

	if err := readConfig(v, cfgFile, flags); err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		PGDSN:    v.GetString("pg-dsn"),
		LogLevel: v.GetString("log-level"),
	}
	if cfg.PGDSN == "" {
		return StoreConfig{}, errors.New("pg dsn is required")
	}
	return cfg, nil
}

// RPCConfig holds configuration for commands that only talk to the RPC endpoint.
type RPCConfig struct {
	RPCURL          string
	ChainID         uint64
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	LogLevel        string
}

// LoadRPC merges config file, environment variables, and flags into RPCConfig.
func LoadRPC(cfgFile string, flags *pflag.FlagSet) (RPCConfig, error) {
	v := newViper()
	v.SetDefault("max-retries", 9)
	v.SetDefault("retry-backoff", 250*time.Millisecond)
	v.SetDefault("retry-max-backoff", 10*time.Second)
	v.SetDefault("log-level", "info")

	if err := readConfig(v, cfgFile, flags); err != nil {
		return RPCConfig{}, err
	}

	cfg := RPCConfig{
		RPCURL:          v.GetString("rpc"),
		ChainID:         v.GetUint64("chain-id"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		RetryMaxBackoff: v.GetDuration("retry-max-backoff"),
		LogLevel:        v.GetString("log-level"),
	}
	if cfg.RPCURL == "" {
		return RPCConfig{}, errors.New("rpc url is required")
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
