package types

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Cron    *CronConfig    `yaml:"cron" json:"cron"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// CacheConfig describes the adapter shared by every cached query of a service.
// StaleAfter accepts time strings such as "5min" or "1h 30m"; empty means every
// cache hit is served as stale.
type CacheConfig struct {
	Type          string      `yaml:"type" json:"type" validate:"required"`
	StaleAfter    string      `yaml:"stale_after" json:"stale_after"`
	PurgeSchedule string      `yaml:"purge_schedule" json:"purge_schedule"`
	Config        interface{} `yaml:"config" json:"config"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type CronConfig struct {
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
