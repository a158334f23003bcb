package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/hrpulse/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
	loadMu        sync.Mutex
)

// Load reads and validates the hrpulse configuration using Viper.
// The result is cached until Reset.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads and validates configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	if err := checkStageKeys(v); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, ignoring the
// environment and the other config locations.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults.
// REQUIRES: loadMu held.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetConfigType("toml")

	v.SetEnvPrefix("HRPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// ProjectConfigPath searches for am.toml by walking up from the working
// directory. Returns "" when none is found.
func ProjectConfigPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges configuration files in precedence order
// system < user < project. Files are merged as config, not overrides, so
// environment variables still win.
func mergeConfigFiles(v *viper.Viper) {
	configPaths := []string{"/etc/hrpulse/am.toml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		configPaths = append(configPaths, filepath.Join(homeDir, ".hrpulse", "am.toml"))
	}
	if projectConfig := ProjectConfigPath(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(configPath)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		_ = v.MergeConfigMap(fileViper.AllSettings())
	}
}

var stagePolicyKeys = map[string]bool{
	"enabled":       true,
	"delay_minutes": true,
	"template_id":   true,
	"reminder":      true,
}

var reminderPolicyKeys = map[string]bool{
	"enabled":     true,
	"delay_hours": true,
}

// checkStageKeys rejects unknown fields in stage policies. A typo such as
// "delay_minute" would otherwise silently schedule with no delay.
func checkStageKeys(v *viper.Viper) error {
	for stage, raw := range v.GetStringMap("stages") {
		fields, ok := raw.(map[string]interface{})
		if !ok {
			return errors.Newf("stages.%s must be a table", stage)
		}
		for key, value := range fields {
			if !stagePolicyKeys[key] {
				return errors.Newf("stages.%s: unknown field %q", stage, key)
			}
			if key != "reminder" {
				continue
			}
			reminder, ok := value.(map[string]interface{})
			if !ok {
				return errors.Newf("stages.%s.reminder must be a table", stage)
			}
			for rkey := range reminder {
				if !reminderPolicyKeys[rkey] {
					return errors.Newf("stages.%s.reminder: unknown field %q", stage, rkey)
				}
			}
		}
	}
	return nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}
