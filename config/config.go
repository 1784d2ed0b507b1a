// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the gateway process configuration. Every tunable of the
// session runtime lives here; components receive the values they need at
// construction and never read viper directly.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// Default upstream translation service and provider adapter.
	ServiceURL string `mapstructure:"service_url"`
	Provider   string `mapstructure:"provider" validate:"required"`

	// Event bus queue bounds and overflow behaviour.
	IngressQueueMax int    `mapstructure:"ingress_queue_max" validate:"gte=1"`
	EgressQueueMax  int    `mapstructure:"egress_queue_max" validate:"gte=1"`
	OverflowPolicy  string `mapstructure:"overflow_policy" validate:"oneof=drop_oldest drop_newest"`

	// Audio commit batcher thresholds.
	MaxBatchMs    int `mapstructure:"max_batch_ms" validate:"gte=1"`
	MaxBatchBytes int `mapstructure:"max_batch_bytes" validate:"gte=1"`
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms" validate:"gte=1"`

	// Upstream connection.
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout" validate:"gte=1"`
	TailSilenceMs         int `mapstructure:"tail_silence_ms" validate:"gte=0"`

	// Call lifecycle.
	CallTTLMinutes         int `mapstructure:"call_ttl_minutes" validate:"gte=1"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds" validate:"gte=1"`

	// Barge-in behaviour for translated audio while the listener speaks.
	OutboundGateMode string `mapstructure:"outbound_gate_mode" validate:"oneof=play_through pause_and_buffer pause_and_drop"`

	// Diagnostic per-call WAV capture.
	RecordCalls bool   `mapstructure:"record_calls"`
	RecordDir   string `mapstructure:"record_dir"`
}

// InitConfig reads configuration from the environment and an optional .env
// file (path via ENV_PATH), with `__` as the nesting delimiter.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "lingua-gateway")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("SERVICE_URL", "")
	v.SetDefault("PROVIDER", "relay")

	v.SetDefault("INGRESS_QUEUE_MAX", 200)
	v.SetDefault("EGRESS_QUEUE_MAX", 500)
	v.SetDefault("OVERFLOW_POLICY", "drop_oldest")

	v.SetDefault("MAX_BATCH_MS", 3000)
	v.SetDefault("MAX_BATCH_BYTES", 96000)
	v.SetDefault("IDLE_TIMEOUT_MS", 700)

	v.SetDefault("CONNECT_TIMEOUT", 10)
	v.SetDefault("TAIL_SILENCE_MS", 200)

	v.SetDefault("CALL_TTL_MINUTES", 120)
	v.SetDefault("CLEANUP_INTERVAL_SECONDS", 60)

	v.SetDefault("OUTBOUND_GATE_MODE", "play_through")
	v.SetDefault("RECORD_CALLS", false)
	v.SetDefault("RECORD_DIR", "recordings")
}

// GetApplicationConfig unmarshals and validates the viper state.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
