package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	HTTPPort                string `mapstructure:"http_port"`
	HTTPTimeout             int    `mapstructure:"http_timeout"`
	CallAPIKey              string `mapstructure:"call_api_key"              validate:"required"`
	WebhookHMACSecret       string `mapstructure:"webhook_hmac_secret"       validate:"required"`
	WebhookToleranceMinutes int    `mapstructure:"webhook_tolerance_minutes"`
	WSTokenSecret           string `mapstructure:"ws_token_secret"           validate:"required"`

	ElevenLabsBaseUrl               string `mapstructure:"elevenlabs_base_url"                validate:"required"`
	ElevenLabsAPIKey                string `mapstructure:"elevenlabs_api_key"                 validate:"required"`
	ElevenLabsAgentID               string `mapstructure:"elevenlabs_agent_id"                validate:"required"`
	ElevenLabsPhoneNumberID         string `mapstructure:"elevenlabs_phone_number_id"         validate:"required"`
	ElevenLabsTimeout               int    `mapstructure:"elevenlabs_timeout"`
	ElevenLabsRetryMaxAttempts      uint   `mapstructure:"elevenlabs_retry_max_attempts"`
	ElevenLabsRetryBackoffMin       int    `mapstructure:"elevenlabs_retry_backoff_min"`
	ElevenLabsRetryBackoffMax       int    `mapstructure:"elevenlabs_retry_backoff_max"`
	ElevenLabsIntervalCB            uint32 `mapstructure:"elevenlabs_interval_cb"`
	ElevenLabsConsecutiveFailuresCB uint32 `mapstructure:"elevenlabs_consecutive_failures_cb"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"                validate:"required"`
	KafkaPassword              string `mapstructure:"kafka_password"                validate:"required"`
	KafkaCallEventsTopic       string `mapstructure:"kafka_call_events_topic"       validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"              validate:"required"`
	MinioAccessKey              string `mapstructure:"minio_access_key"                validate:"required"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"                validate:"required"`
	MinioBucketName             string `mapstructure:"minio_bucket_name"               validate:"required"`
	MinioPathPrefix             string `mapstructure:"minio_path_prefix"`
	MinioUseSSL                 bool   `mapstructure:"minio_use_ssl"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`

	ReconcileIntervalMinutes int    `mapstructure:"reconcile_interval_minutes"`
	ReconcileStaleSeconds    int    `mapstructure:"reconcile_stale_seconds"`
	ReconcilePoolSize        int    `mapstructure:"reconcile_pool_size"`
	ReconcileVendorTimeout   int    `mapstructure:"reconcile_vendor_timeout"`
	CallMaxRetries           int    `mapstructure:"call_max_retries"`
	CallRetryDelaysMinutes   string `mapstructure:"call_retry_delays_minutes"`
	CallMinAnswerSeconds     int    `mapstructure:"call_min_answer_seconds"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_USERNAME", "convoy")
	viper.SetDefault("POSTGRES_PASSWORD", "convoy")
	viper.SetDefault("POSTGRES_DATABASE", "convoy")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_TIMEOUT", "30")
	viper.SetDefault("CALL_API_KEY", "convoy-dev-key")
	viper.SetDefault("WEBHOOK_HMAC_SECRET", "convoy-dev-secret")
	viper.SetDefault("WS_TOKEN_SECRET", "convoy-dev-secret")
	viper.SetDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io")
	viper.SetDefault("ELEVENLABS_API_KEY", "dev")
	viper.SetDefault("ELEVENLABS_AGENT_ID", "dev")
	viper.SetDefault("ELEVENLABS_PHONE_NUMBER_ID", "dev")
	viper.SetDefault("KAFKA_BOOTSTRAP_SERVER", "localhost:9092")
	viper.SetDefault("KAFKA_USERNAME", "convoy")
	viper.SetDefault("KAFKA_PASSWORD", "convoy")
	viper.SetDefault("KAFKA_CALL_EVENTS_TOPIC", "convoy-call-events")
	viper.SetDefault("MINIO_ENDPOINT_URL", "localhost:9000")
	viper.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	viper.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	viper.SetDefault("MINIO_BUCKET_NAME", "convoy-calls")
	viper.SetDefault("WEBHOOK_TOLERANCE_MINUTES", "30")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("ELEVENLABS_TIMEOUT", "30")
	viper.SetDefault("ELEVENLABS_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("ELEVENLABS_RETRY_BACKOFF_MIN", "1")
	viper.SetDefault("ELEVENLABS_RETRY_BACKOFF_MAX", "10")
	viper.SetDefault("ELEVENLABS_INTERVAL_CB", "30")
	viper.SetDefault("ELEVENLABS_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "10")
	viper.SetDefault("MINIO_TIMEOUT", "60")
	viper.SetDefault("MINIO_USE_SSL", "true")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("RECONCILE_INTERVAL_MINUTES", "2")
	viper.SetDefault("RECONCILE_STALE_SECONDS", "120")
	viper.SetDefault("RECONCILE_POOL_SIZE", "4")
	viper.SetDefault("RECONCILE_VENDOR_TIMEOUT", "10")
	viper.SetDefault("CALL_MAX_RETRIES", "3")
	viper.SetDefault("CALL_RETRY_DELAYS_MINUTES", "1,2,5")
	viper.SetDefault("CALL_MIN_ANSWER_SECONDS", "5")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
