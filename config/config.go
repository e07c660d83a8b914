package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"dbcore/common"
)

// Config is the layered runtime configuration for a dbcore instance: how
// many buffer pool shards to run and how large each is, where the backing
// data file lives, and the isolation level new transactions start at unless
// overridden per-call.
type Config struct {
	PoolSizePerShard int    `mapstructure:"pool_size_per_shard"`
	NumShards        int    `mapstructure:"num_shards"`
	DataDir          string `mapstructure:"data_dir"`
	DefaultIsolation string `mapstructure:"default_isolation"`
}

// Isolation parses DefaultIsolation into a common.IsolationLevel.
func (c Config) Isolation() (common.IsolationLevel, error) {
	switch strings.ToLower(c.DefaultIsolation) {
	case "readuncommitted", "read_uncommitted":
		return common.ReadUncommitted, nil
	case "readcommitted", "read_committed":
		return common.ReadCommitted, nil
	case "repeatableread", "repeatable_read":
		return common.RepeatableRead, nil
	default:
		return 0, fmt.Errorf("config: unknown isolation level %q", c.DefaultIsolation)
	}
}

func defaults(v *viper.Viper) {
	v.SetDefault("pool_size_per_shard", 64)
	v.SetDefault("num_shards", 4)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("default_isolation", "read_committed")
}

// Load builds a Config from (in ascending priority) built-in defaults, an
// optional config file at path, and DBCORE_-prefixed environment variables.
// path may be empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("DBCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.NumShards < 1 {
		return nil, fmt.Errorf("config: num_shards must be >= 1, got %d", cfg.NumShards)
	}
	if cfg.PoolSizePerShard < 1 {
		return nil, fmt.Errorf("config: pool_size_per_shard must be >= 1, got %d", cfg.PoolSizePerShard)
	}
	return &cfg, nil
}
