/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the fulfillment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWKSURL              string `mapstructure:"JWKS_URL"`

	HubnetBaseURL     string `mapstructure:"HUBNET_BASE_URL"`
	HubnetAPIKey      string `mapstructure:"HUBNET_API_KEY"`
	DataXpressBaseURL string `mapstructure:"DATAXPRESS_BASE_URL"`
	DataXpressAPIKey  string `mapstructure:"DATAXPRESS_API_KEY"`
	SwiftnetBaseURL   string `mapstructure:"SWIFTNET_BASE_URL"`
	SwiftnetAPIKey    string `mapstructure:"SWIFTNET_API_KEY"`

	VendorTimeoutSeconds      int `mapstructure:"VENDOR_TIMEOUT_SECONDS"`
	DuplicateWindowWebSeconds int `mapstructure:"DUPLICATE_WINDOW_WEB_SECONDS"`
	DuplicateWindowAPISeconds int `mapstructure:"DUPLICATE_WINDOW_API_SECONDS"`
	ReconcileIntervalSeconds  int `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	ReconcileGraceSeconds     int `mapstructure:"RECONCILE_GRACE_SECONDS"`
	ReconcileBatchSize        int `mapstructure:"RECONCILE_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "datamart:order_rate")
	viper.SetDefault("VENDOR_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DUPLICATE_WINDOW_WEB_SECONDS", 300)
	viper.SetDefault("DUPLICATE_WINDOW_API_SECONDS", 60)
	viper.SetDefault("RECONCILE_INTERVAL_SECONDS", 120)
	viper.SetDefault("RECONCILE_GRACE_SECONDS", 90)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FULFILLMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("HUBNET_BASE_URL")
	_ = viper.BindEnv("HUBNET_API_KEY")
	_ = viper.BindEnv("DATAXPRESS_BASE_URL")
	_ = viper.BindEnv("DATAXPRESS_API_KEY")
	_ = viper.BindEnv("SWIFTNET_BASE_URL")
	_ = viper.BindEnv("SWIFTNET_API_KEY")
	_ = viper.BindEnv("VENDOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DUPLICATE_WINDOW_WEB_SECONDS")
	_ = viper.BindEnv("DUPLICATE_WINDOW_API_SECONDS")
	_ = viper.BindEnv("RECONCILE_INTERVAL_SECONDS")
	_ = viper.BindEnv("RECONCILE_GRACE_SECONDS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "datamart:order_rate"
	}

	if config.VendorTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid vendor timeout; using default\" seconds=%d", config.VendorTimeoutSeconds)
		config.VendorTimeoutSeconds = 30
	}
	if config.VendorTimeoutSeconds > 120 {
		log.Printf("level=warn component=config msg=\"vendor timeout too high; capping\" seconds=%d", config.VendorTimeoutSeconds)
		config.VendorTimeoutSeconds = 120
	}
	if config.DuplicateWindowWebSeconds < 0 {
		config.DuplicateWindowWebSeconds = 0
	}
	if config.DuplicateWindowAPISeconds < 0 {
		config.DuplicateWindowAPISeconds = 0
	}
	if config.ReconcileIntervalSeconds <= 0 {
		config.ReconcileIntervalSeconds = 120
	}
	if config.ReconcileGraceSeconds <= 0 {
		config.ReconcileGraceSeconds = 90
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}

	return
}
