// Package config loads runtime configuration for the discovery client: BLE
// protocol constants, the encryption key bundle, and storage/logger
// settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	BLE       BLEConfig       `mapstructure:"ble"`
	KeyBundle KeyBundleConfig `mapstructure:"key_bundle"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// BLEConfig contains GATT transport settings.
type BLEConfig struct {
	ServiceUUID            string `mapstructure:"service_uuid"`
	WriteCharUUID          string `mapstructure:"write_char_uuid"`
	NotifyCharUUID         string `mapstructure:"notify_char_uuid"`
	ResponseTimeoutMS      int    `mapstructure:"response_timeout_ms"`
	EncryptionWindowMS     int    `mapstructure:"encryption_window_ms"`
	MTU                    int    `mapstructure:"mtu"`
	MaxRegistersPerRequest int    `mapstructure:"max_registers_per_request"`
}

// KeyBundleConfig contains the hex-encoded handshake key material.
// Empty fields mean encryption is disabled for the connection.
type KeyBundleConfig struct {
	SigningKeyHex   string `mapstructure:"signing_key_hex"`
	VerifyKeyHex    string `mapstructure:"verify_key_hex"`
	SharedSecretHex string `mapstructure:"shared_secret_hex"`
}

// Enabled reports whether enough key material was configured to attempt
// an encrypted session.
func (k KeyBundleConfig) Enabled() bool {
	return k.SigningKeyHex != "" && k.VerifyKeyHex != "" && k.SharedSecretHex != ""
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	LogDir string `mapstructure:"log_dir"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found; using defaults and environment overrides.
	}

	v.SetEnvPrefix("PSDISCOVER")
	v.AutomaticEnv()

	// The key bundle's env names are flat (PSDISCOVER_SIGNING_KEY, not
	// PSDISCOVER_KEY_BUNDLE_SIGNING_KEY_HEX), so AutomaticEnv's nested-key
	// guess needs an explicit override for each field.
	v.BindEnv("key_bundle.signing_key_hex", "PSDISCOVER_SIGNING_KEY")
	v.BindEnv("key_bundle.verify_key_hex", "PSDISCOVER_VERIFY_KEY")
	v.BindEnv("key_bundle.shared_secret_hex", "PSDISCOVER_SHARED_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ble.service_uuid", "0xFF00")
	v.SetDefault("ble.write_char_uuid", "0000ff02-0000-1000-8000-00805f9b34fb")
	v.SetDefault("ble.notify_char_uuid", "0000ff01-0000-1000-8000-00805f9b34fb")
	v.SetDefault("ble.response_timeout_ms", 5000)
	v.SetDefault("ble.encryption_window_ms", 500)
	v.SetDefault("ble.mtu", 20)
	v.SetDefault("ble.max_registers_per_request", 7)

	v.SetDefault("storage.path", "./data/psdiscover.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".psdiscover")
}
