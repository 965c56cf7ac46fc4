package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	Host string `yaml:"host"`
}

// MongoDB configuration
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// E2B provider configuration
type E2BConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"api_key"`
	Domain     string `yaml:"domain"`
	Template   string `yaml:"template"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Microvm (self-hosted host agent) provider configuration
type MicrovmConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Token         string `yaml:"token"`
	GuestCIDR     string `yaml:"guest_cidr"`
	PreviewDomain string `yaml:"preview_domain"`
	Template      string `yaml:"template"`
}

// Providers configuration
type ProvidersConfig struct {
	Default string        `yaml:"default"`
	E2B     E2BConfig     `yaml:"e2b"`
	Microvm MicrovmConfig `yaml:"microvm"`
}

// Deploy pipeline configuration
type DeployConfig struct {
	BuildCommand         string `yaml:"build_command"`
	StartCommand         string `yaml:"start_command"`
	Port                 int    `yaml:"port"`
	DefaultVCPUs         int    `yaml:"default_vcpus"`
	DefaultMemoryMB      int    `yaml:"default_memory_mb"`
	KeepWarm             bool   `yaml:"keep_warm"`
	KeepAliveIntervalSec int    `yaml:"keepalive_interval_sec"`
	BuildTimeoutSec      int    `yaml:"build_timeout_sec"`
	CommandTimeoutSec    int    `yaml:"command_timeout_sec"`
	MaxCommandTimeoutSec int    `yaml:"max_command_timeout_sec"`
}

// Health monitor configuration
type HealthConfig struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"interval_sec"`
	Concurrency int  `yaml:"concurrency"`
}

// Metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CORS configuration
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSec        int      `yaml:"max_age_sec"`
}

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Providers ProvidersConfig `yaml:"providers"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CORS      CORSConfig      `yaml:"cors"`
}

// Default configuration values
const (
	DefaultServerPort   = "33910"
	DefaultServerHost   = ""
	DefaultMongoURI     = "mongodb://localhost:27017/appforge"
	DefaultMongoDB      = "appforge"
	DefaultProvider     = "e2b"
	DefaultE2BDomain    = "e2b.app"
	DefaultE2BTemplate  = "node22-vite"
	DefaultE2BTimeout   = 1800 // sandbox idle expiry, seconds
	DefaultMicrovmCIDR  = "192.168.100.0/22"
	DefaultMicrovmTmpl  = "debian"
	DefaultBuildCommand = "npm install && npm run build"
	DefaultStartCommand = "npm run preview -- --host --port {port}"
	DefaultAppPort      = 3000
	DefaultDeployVCPUs  = 2
	DefaultDeployMemMB  = 2048
	// KeepAlive interval must undercut the shortest backend idle expiry.
	DefaultKeepAliveIntervalSec  = 60
	DefaultBuildTimeoutSec       = 600
	DefaultCommandTimeoutSec     = 30
	DefaultMaxCommandTimeoutSec  = 900
	DefaultHealthEnabled         = true
	DefaultHealthIntervalSec     = 60
	DefaultHealthConcurrency     = 16
	DefaultMetricsEnabled        = true
	DefaultMetricsPath           = "/metrics"
	DefaultCORSEnabled           = true
	DefaultCORSAllowOrigins      = "*"
	DefaultCORSAllowMethods      = "GET,POST,PUT,PATCH,DELETE,OPTIONS"
	DefaultCORSAllowHeaders      = "Authorization,Content-Type"
	DefaultCORSExposeHeaders     = ""
	DefaultCORSAllowCredentials  = false
	DefaultCORSMaxAgeSec         = 600
	DefaultKeepWarm              = true
	DefaultWriteBatchConcurrency = 8
)

// New returns a Config assembled from defaults and environment variables.
func New() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// Load returns a Config assembled from defaults, an optional YAML file, and
// environment variables, in that precedence order (env wins).
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultServerPort,
			Host: DefaultServerHost,
		},
		Mongo: MongoConfig{
			URI:      DefaultMongoURI,
			Database: DefaultMongoDB,
		},
		Providers: ProvidersConfig{
			Default: DefaultProvider,
			E2B: E2BConfig{
				Enabled:    true,
				Domain:     DefaultE2BDomain,
				Template:   DefaultE2BTemplate,
				TimeoutSec: DefaultE2BTimeout,
			},
			Microvm: MicrovmConfig{
				GuestCIDR: DefaultMicrovmCIDR,
				Template:  DefaultMicrovmTmpl,
			},
		},
		Deploy: DeployConfig{
			BuildCommand:         DefaultBuildCommand,
			StartCommand:         DefaultStartCommand,
			Port:                 DefaultAppPort,
			DefaultVCPUs:         DefaultDeployVCPUs,
			DefaultMemoryMB:      DefaultDeployMemMB,
			KeepWarm:             DefaultKeepWarm,
			KeepAliveIntervalSec: DefaultKeepAliveIntervalSec,
			BuildTimeoutSec:      DefaultBuildTimeoutSec,
			CommandTimeoutSec:    DefaultCommandTimeoutSec,
			MaxCommandTimeoutSec: DefaultMaxCommandTimeoutSec,
		},
		Health: HealthConfig{
			Enabled:     DefaultHealthEnabled,
			IntervalSec: DefaultHealthIntervalSec,
			Concurrency: DefaultHealthConcurrency,
		},
		Metrics: MetricsConfig{
			Enabled: DefaultMetricsEnabled,
			Path:    DefaultMetricsPath,
		},
		CORS: CORSConfig{
			Enabled:          DefaultCORSEnabled,
			AllowOrigins:     splitCSV(DefaultCORSAllowOrigins),
			AllowMethods:     splitCSV(DefaultCORSAllowMethods),
			AllowHeaders:     splitCSV(DefaultCORSAllowHeaders),
			ExposeHeaders:    splitCSV(DefaultCORSExposeHeaders),
			AllowCredentials: DefaultCORSAllowCredentials,
			MaxAgeSec:        DefaultCORSMaxAgeSec,
		},
	}
}

func applyEnv(cfg *Config) {
	setEnvStr(&cfg.Server.Port, "SERVER_PORT")
	setEnvStr(&cfg.Server.Host, "SERVER_HOST")
	setEnvStr(&cfg.Mongo.URI, "MONGO_URI")
	setEnvStr(&cfg.Mongo.Database, "MONGO_DB")

	setEnvStr(&cfg.Providers.Default, "PROVIDER_DEFAULT")
	setEnvBool(&cfg.Providers.E2B.Enabled, "E2B_ENABLED")
	setEnvStr(&cfg.Providers.E2B.APIKey, "E2B_API_KEY")
	setEnvStr(&cfg.Providers.E2B.Domain, "E2B_DOMAIN")
	setEnvStr(&cfg.Providers.E2B.Template, "E2B_TEMPLATE")
	setEnvInt(&cfg.Providers.E2B.TimeoutSec, "E2B_TIMEOUT_SEC")
	setEnvBool(&cfg.Providers.Microvm.Enabled, "MICROVM_ENABLED")
	setEnvStr(&cfg.Providers.Microvm.Endpoint, "MICROVM_ENDPOINT")
	setEnvStr(&cfg.Providers.Microvm.Token, "MICROVM_TOKEN")
	setEnvStr(&cfg.Providers.Microvm.GuestCIDR, "MICROVM_GUEST_CIDR")
	setEnvStr(&cfg.Providers.Microvm.PreviewDomain, "MICROVM_PREVIEW_DOMAIN")
	setEnvStr(&cfg.Providers.Microvm.Template, "MICROVM_TEMPLATE")

	setEnvStr(&cfg.Deploy.BuildCommand, "DEPLOY_BUILD_COMMAND")
	setEnvStr(&cfg.Deploy.StartCommand, "DEPLOY_START_COMMAND")
	setEnvInt(&cfg.Deploy.Port, "DEPLOY_PORT")
	setEnvInt(&cfg.Deploy.DefaultVCPUs, "DEPLOY_DEFAULT_VCPUS")
	setEnvInt(&cfg.Deploy.DefaultMemoryMB, "DEPLOY_DEFAULT_MEMORY_MB")
	setEnvBool(&cfg.Deploy.KeepWarm, "DEPLOY_KEEP_WARM")
	setEnvInt(&cfg.Deploy.KeepAliveIntervalSec, "DEPLOY_KEEPALIVE_INTERVAL_SEC")
	setEnvInt(&cfg.Deploy.BuildTimeoutSec, "DEPLOY_BUILD_TIMEOUT_SEC")
	setEnvInt(&cfg.Deploy.CommandTimeoutSec, "DEPLOY_COMMAND_TIMEOUT_SEC")
	setEnvInt(&cfg.Deploy.MaxCommandTimeoutSec, "DEPLOY_MAX_COMMAND_TIMEOUT_SEC")

	setEnvBool(&cfg.Health.Enabled, "HEALTH_ENABLED")
	setEnvInt(&cfg.Health.IntervalSec, "HEALTH_INTERVAL_SEC")
	setEnvInt(&cfg.Health.Concurrency, "HEALTH_CONCURRENCY")

	setEnvBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setEnvStr(&cfg.Metrics.Path, "METRICS_PATH")

	setEnvBool(&cfg.CORS.Enabled, "CORS_ENABLED")
	setEnvCSV(&cfg.CORS.AllowOrigins, "CORS_ALLOW_ORIGINS")
	setEnvCSV(&cfg.CORS.AllowMethods, "CORS_ALLOW_METHODS")
	setEnvCSV(&cfg.CORS.AllowHeaders, "CORS_ALLOW_HEADERS")
	setEnvCSV(&cfg.CORS.ExposeHeaders, "CORS_EXPOSE_HEADERS")
	setEnvBool(&cfg.CORS.AllowCredentials, "CORS_ALLOW_CREDENTIALS")
	setEnvInt(&cfg.CORS.MaxAgeSec, "CORS_MAX_AGE_SEC")
}

// Address returns the server address string
func (c *ServerConfig) Address() string {
	return c.Host + ":" + c.Port
}

func setEnvStr(dst *string, key string) {
	if value, exists := os.LookupEnv(key); exists {
		*dst = value
	}
}

func setEnvInt(dst *int, key string) {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setEnvBool(dst *bool, key string) {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(value) {
		case "1", "true", "t", "yes", "y", "on":
			*dst = true
		case "0", "false", "f", "no", "n", "off":
			*dst = false
		}
	}
}

func setEnvCSV(dst *[]string, key string) {
	if value, exists := os.LookupEnv(key); exists {
		*dst = splitCSV(value)
	}
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
