package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// InstanceConfig stores per-instance configuration as key-value pairs.
type InstanceConfig map[string]string

// Config wraps viper and provides typed accessors.
type Config struct {
	v         *viper.Viper
	instances map[string]InstanceConfig
}

// Load reads a config file and prepares defaults. INI files may carry
// [instances.<name>] sections describing the proxy instance pool.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPENTUNE")
	v.AutomaticEnv()

	setDefaults(v)

	c := &Config{
		v:         v,
		instances: make(map[string]InstanceConfig),
	}

	if path == "" {
		return c, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".ini") {
		cfg, err := loadINI(v, path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		loadInstances(cfg, c)
		return c, nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "text")
	v.SetDefault("LogDir", "./log")
	v.SetDefault("LogSource", false)
	v.SetDefault("GormLogLevel", "warn")
	v.SetDefault("GormSlowThresholdMS", 200)
	v.SetDefault("Database", "opentune.db")
	v.SetDefault("DBMaxOpenConns", 1)
	v.SetDefault("DBMaxIdleConns", 1)
	v.SetDefault("DBConnMaxLifetimeSec", 3600)
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("MetadataTimeoutSec", 10)
	v.SetDefault("PayloadTimeoutSec", 30)
	v.SetDefault("CandidateDelayMS", 500)
	v.SetDefault("InstanceMinIntervalMS", 1000)
	v.SetDefault("ResolveCacheTTLSec", 300)
	v.SetDefault("MidStreamRetryMax", 2)
	v.SetDefault("HealthCheckTimeoutSec", 10)
	v.SetDefault("HealthCheckPath", "/trending?region=US")
	v.SetDefault("AutoFallback", true)
	v.SetDefault("PreferredInstance", "")
	v.SetDefault("StaticFallbackURL", "")
	v.SetDefault("DefaultQuality", "high")
	v.SetDefault("CrossfadeEnabled", false)
	v.SetDefault("CrossfadeSeconds", 5)
	v.SetDefault("DownloadConcurrency", 5)
	v.SetDefault("DownloadMaxRetries", 3)
	v.SetDefault("DownloadTimeoutSec", 60)
	v.SetDefault("HistoryKeep", 500)
}

// GetString returns a string value.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns an int value.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 returns a float64 value.
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool returns a bool value.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice returns a slice of strings.
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetInstanceConfig retrieves instance-specific configuration by name.
// Returns the configuration map and true if found, or nil and false if not found.
func (c *Config) GetInstanceConfig(name string) (InstanceConfig, bool) {
	cfg, ok := c.instances[name]
	return cfg, ok
}

// InstanceNames returns the configured instance names.
func (c *Config) InstanceNames() []string {
	if len(c.instances) == 0 {
		return nil
	}
	nameList := make([]string, 0, len(c.instances))
	for name := range c.instances {
		nameList = append(nameList, name)
	}
	sort.Strings(nameList)
	return nameList
}

// GetInstanceString returns a string value from instance configuration.
// Returns empty string if instance or key not found.
func (c *Config) GetInstanceString(instance, key string) string {
	cfg, ok := c.instances[instance]
	if !ok {
		return ""
	}
	return cfg[key]
}

// GetInstanceBool returns a bool value from instance configuration.
func (c *Config) GetInstanceBool(instance, key string) bool {
	val := c.GetInstanceString(instance, key)
	return strings.EqualFold(val, "true") || val == "1"
}

func loadINI(v *viper.Viper, path string) (*ini.File, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	for _, key := range cfg.Section("").Keys() {
		v.Set(key.Name(), key.Value())
	}

	return cfg, nil
}

func loadInstances(cfg *ini.File, c *Config) {
	const instancePrefix = "instances."

	for _, section := range cfg.Sections() {
		sectionName := section.Name()
		if sectionName == "" || sectionName == "DEFAULT" {
			continue
		}

		if strings.HasPrefix(sectionName, instancePrefix) {
			instanceName := strings.TrimPrefix(sectionName, instancePrefix)
			instanceCfg := make(InstanceConfig)

			for _, key := range section.Keys() {
				instanceCfg[key.Name()] = key.Value()
			}

			c.instances[instanceName] = instanceCfg
		}
	}
}
