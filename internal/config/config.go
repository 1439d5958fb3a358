// Package config provides unified environment/file configuration loading
// for every binary in this module.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ChainConfig controls the on-chain RPC provider consumed by the Chain
// Event Source.
type ChainConfig struct {
	HTTPRPCURL    string `json:"http_rpc_url" env:"CHAIN_HTTP_RPC_URL"`
	WSRPCURL      string `json:"ws_rpc_url" env:"CHAIN_WS_RPC_URL"`
	Confirmations uint64 `json:"confirmations" env:"CHAIN_CONFIRMATIONS"`
	PollInterval  int    `json:"poll_interval_secs" env:"CHAIN_POLL_INTERVAL_SECS"`
	StepBlocks    uint64 `json:"step_blocks" env:"CHAIN_STEP_BLOCKS"`
	KeystorePath  string `json:"keystore_path" env:"CHAIN_KEYSTORE_PATH"`
}

// ManagerConfig controls the Blueprint Manager runtime.
type ManagerConfig struct {
	RegistrationMode           bool   `json:"registration_mode" env:"MANAGER_REGISTRATION_MODE"`
	AllowUncheckedAttestations bool   `json:"allow_unchecked_attestations" env:"MANAGER_ALLOW_UNCHECKED_ATTESTATIONS"`
	LocalBuildFallback         bool   `json:"local_build_fallback" env:"MANAGER_LOCAL_BUILD_FALLBACK"`
	ServiceRuntimeDir          string `json:"service_runtime_dir" env:"MANAGER_SERVICE_RUNTIME_DIR"`
	ShutdownGraceSecs          int    `json:"shutdown_grace_secs" env:"MANAGER_SHUTDOWN_GRACE_SECS"`
	AdminListenAddr            string `json:"admin_listen_addr" env:"MANAGER_ADMIN_LISTEN_ADDR"`
}

// ProxyConfig controls the Authenticated Proxy.
type ProxyConfig struct {
	ListenAddr                    string `json:"listen_addr" env:"PROXY_LISTEN_ADDR"`
	TLSEnvelopeKeyHex             string `json:"tls_envelope_key_hex" env:"PROXY_TLS_ENVELOPE_KEY_HEX"`
	PasetoKeyHex                  string `json:"paseto_key_hex" env:"PROXY_PASETO_KEY_HEX"`
	MaxAccessTokenTTLSecs         int    `json:"max_access_token_ttl_secs" env:"PROXY_MAX_ACCESS_TOKEN_TTL_SECS"`
	AllowSingleProfileSNIFallback bool   `json:"allow_single_profile_sni_fallback" env:"PROXY_ALLOW_SINGLE_PROFILE_SNI_FALLBACK"`
	JWTClockSkewSecs              int    `json:"jwt_clock_skew_secs" env:"PROXY_JWT_CLOCK_SKEW_SECS"`
	DatabaseDSN                   string `json:"database_dsn" env:"PROXY_DATABASE_DSN"`
	AdminListenAddr               string `json:"admin_listen_addr" env:"PROXY_ADMIN_LISTEN_ADDR"`
}

// RFQConfig controls the RFQ Processor.
type RFQConfig struct {
	PowDifficultyBits int     `json:"pow_difficulty_bits" env:"RFQ_POW_DIFFICULTY_BITS"`
	DedupCacheSize    int     `json:"dedup_cache_size" env:"RFQ_DEDUP_CACHE_SIZE"`
	GossipBufferSize  int     `json:"gossip_buffer_size" env:"RFQ_GOSSIP_BUFFER_SIZE"`
	RateLimitPerSec   float64 `json:"rate_limit_per_sec" env:"RFQ_RATE_LIMIT_PER_SEC"`
}

// RemoteDeployConfig controls the Remote Deployment Registry + TTL manager.
type RemoteDeployConfig struct {
	TTLCheckIntervalSecs int    `json:"ttl_check_interval_secs" env:"REMOTE_TTL_CHECK_INTERVAL_SECS"`
	AzureSubscriptionID  string `json:"azure_subscription_id" env:"AZURE_SUBSCRIPTION_ID"`
	AzureResourceGroup   string `json:"azure_resource_group" env:"AZURE_RESOURCE_GROUP"`
}

// HealthConfig controls the Health Monitor.
type HealthConfig struct {
	IntervalSecs           int  `json:"interval_secs" env:"HEALTH_INTERVAL_SECS"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures" env:"HEALTH_MAX_CONSECUTIVE_FAILURES"`
	AutoRecover            bool `json:"auto_recover" env:"HEALTH_AUTO_RECOVER"`
}

// AggregationConfig controls the Tangle Aggregation Service.
type AggregationConfig struct {
	CleanupIntervalSecs    int    `json:"cleanup_interval_secs" env:"AGGREGATION_CLEANUP_INTERVAL_SECS"`
	VerifyOnSubmit         bool   `json:"verify_on_submit" env:"AGGREGATION_VERIFY_ON_SUBMIT"`
	ValidateOutputOnSubmit bool   `json:"validate_output_on_submit" env:"AGGREGATION_VALIDATE_OUTPUT_ON_SUBMIT"`
	ListenAddr             string `json:"listen_addr" env:"AGGREGATION_LISTEN_ADDR"`
}

// LoggingConfig controls application-wide logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// Config is the top-level configuration for all binaries in this module.
type Config struct {
	Chain       ChainConfig        `json:"chain"`
	Manager     ManagerConfig      `json:"manager"`
	Proxy       ProxyConfig        `json:"proxy"`
	RFQ         RFQConfig          `json:"rfq"`
	Remote      RemoteDeployConfig `json:"remote"`
	Health      HealthConfig       `json:"health"`
	Aggregation AggregationConfig  `json:"aggregation"`
	Logging     LoggingConfig      `json:"logging"`
}

// New returns a Config populated with sane defaults.
func New() *Config {
	return &Config{
		Chain: ChainConfig{
			Confirmations: 3,
			PollInterval:  5,
			StepBlocks:    2000,
		},
		Manager: ManagerConfig{
			LocalBuildFallback: true,
			ServiceRuntimeDir:  "/var/lib/blueprint/services",
			ShutdownGraceSecs:  30,
			AdminListenAddr:    "127.0.0.1:9944",
		},
		Proxy: ProxyConfig{
			ListenAddr:                    "0.0.0.0:8277",
			MaxAccessTokenTTLSecs:         3600,
			AllowSingleProfileSNIFallback: true,
			JWTClockSkewSecs:              60,
			AdminListenAddr:               "127.0.0.1:9966",
		},
		RFQ: RFQConfig{
			PowDifficultyBits: 16,
			DedupCacheSize:    4096,
			GossipBufferSize:  256,
			RateLimitPerSec:   20,
		},
		Remote: RemoteDeployConfig{
			TTLCheckIntervalSecs: 60,
		},
		Health: HealthConfig{
			IntervalSecs:           60,
			MaxConsecutiveFailures: 3,
			AutoRecover:            true,
		},
		Aggregation: AggregationConfig{
			CleanupIntervalSecs:    30,
			VerifyOnSubmit:         true,
			ValidateOutputOnSubmit: true,
			ListenAddr:             "127.0.0.1:9955",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a .env file (if present), an optional CONFIG_FILE YAML
// document, then overlays environment variables via struct tags.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
