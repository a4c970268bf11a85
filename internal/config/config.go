// Package config loads the upload broker's environment configuration.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Network is the chain environment the service targets (spec.md §6).
type Network string

const (
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

// Config is the unified runtime configuration for the upload broker.
type Config struct {
	Network Network `mapstructure:"network"`

	SuiPrivateKey     string `mapstructure:"sui_private_key"`
	SuiRPCURL         string `mapstructure:"vite_sui_rpc_url"`
	WalrusUploadRelay string `mapstructure:"walrus_upload_relay_url"`
	WalrusRelayTipMax uint64 `mapstructure:"walrus_relay_tip_max_mist"`

	AWSRegion   string `mapstructure:"aws_region"`
	AWSS3Bucket string `mapstructure:"aws_s3_bucket"`

	PriceFeedURL string `mapstructure:"price_feed_url"`

	MasterEncryptionKey string `mapstructure:"master_encryption_key"`

	HTTPPort string `mapstructure:"http_port"`

	ClientQueueDBPath string `mapstructure:"client_queue_db_path"`
	LedgerDBPath      string `mapstructure:"ledger_db_path"`

	MaxGlobalConcurrent  int `mapstructure:"max_global_concurrent"`
	MaxPerUserConcurrent int `mapstructure:"max_per_user_concurrent"`
	DispatchTimeoutSec   int `mapstructure:"dispatch_timeout_sec"`

	MaxSyncUploadBytes int64 `mapstructure:"max_sync_upload_bytes"`
}

// Load reads configuration from the process environment, falling back to a
// local .env file if present (teacher: walletserver/config.Load), then
// binding everything through viper (teacher: pkg/config.Load) so callers get
// a single typed Config regardless of source.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error here

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", string(Testnet))
	v.SetDefault("walrus_relay_tip_max_mist", uint64(50_000))
	v.SetDefault("http_port", "8080")
	v.SetDefault("client_queue_db_path", "data/clientqueue.db")
	v.SetDefault("ledger_db_path", "data/ledger.db")
	v.SetDefault("max_global_concurrent", 6)
	v.SetDefault("max_per_user_concurrent", 2)
	v.SetDefault("dispatch_timeout_sec", 120)
	v.SetDefault("max_sync_upload_bytes", int64(100*1024*1024))

	bind := func(key, env string) {
		_ = v.BindEnv(key, env)
	}
	bind("network", "NETWORK")
	bind("sui_private_key", "SUI_PRIVATE_KEY")
	bind("vite_sui_rpc_url", "VITE_SUI_RPC_URL")
	bind("walrus_upload_relay_url", "WALRUS_UPLOAD_RELAY_URL")
	bind("walrus_relay_tip_max_mist", "WALRUS_RELAY_TIP_MAX_MIST")
	bind("aws_region", "AWS_REGION")
	bind("aws_s3_bucket", "AWS_S3_BUCKET")
	bind("price_feed_url", "PRICE_FEED_URL")
	bind("master_encryption_key", "MASTER_ENCRYPTION_KEY")
	bind("http_port", "HTTP_PORT")
	bind("client_queue_db_path", "CLIENT_QUEUE_DB_PATH")
	bind("ledger_db_path", "LEDGER_DB_PATH")
	bind("max_global_concurrent", "MAX_GLOBAL_CONCURRENT")
	bind("max_per_user_concurrent", "MAX_PER_USER_CONCURRENT")
	bind("dispatch_timeout_sec", "DISPATCH_TIMEOUT_SEC")
	bind("max_sync_upload_bytes", "MAX_SYNC_UPLOAD_BYTES")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if cfg.Network != Testnet && cfg.Network != Mainnet {
		return nil, fmt.Errorf("config: invalid NETWORK %q", cfg.Network)
	}
	return &cfg, nil
}
