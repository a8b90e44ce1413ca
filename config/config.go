// Package config loads the small set of options the Storage Facade needs
// to construct itself, following the teacher's own
// viper+godotenv-based configuration loading (cmd/util/util.go), adapted
// from a CLI's flag/env binding to a library's plain Load call.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the Storage Facade's recognized options (spec.md §6).
type Config struct {
	// RootKey is the backend path prefix under which every zoom path is
	// rooted (see txn.Paths).
	RootKey string
	// TransactionAttempts bounds tryTransaction's retry count (N in
	// spec.md §4.3).
	TransactionAttempts int
	// LockTimeout bounds how long tryTransaction waits to acquire the
	// topology lock before failing with a service failure.
	LockTimeout time.Duration
	// Namespace scopes the State Subsystem's default namespace.
	Namespace string
}

const (
	envPrefix = "ZOOM"

	keyRootKey              = "rootKey"
	keyTransactionAttempts  = "transactionAttempts"
	keyLockTimeoutMs        = "lockTimeoutMs"
	keyNamespace            = "namespace"
	defaultRootKey          = "/zoom"
	defaultTransactionTries = 3
	defaultLockTimeoutMs    = 5000
	defaultNamespace        = "default"
)

// Load reads configuration from, in ascending priority: built-in defaults,
// an optional configFile (skipped if empty or not found), an optional
// ".env" file loaded via godotenv, and environment variables prefixed
// "ZOOM_" (e.g. ZOOM_ROOTKEY, ZOOM_TRANSACTIONATTEMPTS).
func Load(configFile string) (*Config, error) {
	// godotenv only populates the process environment; a missing .env is
	// not an error, matching the teacher's InitClientConfig.
	_ = godotenv.Load(".env")

	v := viper.New()

	v.SetDefault(keyRootKey, defaultRootKey)
	v.SetDefault(keyTransactionAttempts, defaultTransactionTries)
	v.SetDefault(keyLockTimeoutMs, defaultLockTimeoutMs)
	v.SetDefault(keyNamespace, defaultNamespace)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
			}
		}
	}

	return &Config{
		RootKey:             v.GetString(keyRootKey),
		TransactionAttempts: v.GetInt(keyTransactionAttempts),
		LockTimeout:         time.Duration(v.GetInt(keyLockTimeoutMs)) * time.Millisecond,
		Namespace:           v.GetString(keyNamespace),
	}, nil
}
