// Package config loads the communication manager's configuration: typed
// environment binding for the core keys spec.md §6 names, a YAML file
// overlaid on top of it for values operators prefer to template once per
// node, and a secondary env binding for the provisioning command lines
// that must stay raw, unexpanded strings.
//
// Grounded on teacher cmd/traffic/agent.go's envconfig.Process +
// pack repo wisbric-nightowl's internal/config/config.go (caarlos0/env).
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	caarlos0env "github.com/caarlos0/env/v11"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is spec.md §6's configuration surface plus the ambient keys a
// running process needs (listen addresses, log level/format, storage and
// cache DSNs).
type Config struct {
	SystemID            string        `env:"SYSTEM_ID,required" yaml:"systemId"`
	ServiceDiscoveryURL string        `env:"SERVICE_DISCOVERY_URL,required" yaml:"serviceDiscoveryUrl"`
	CMServerURL         string        `env:"CM_SERVER_URL,required" yaml:"cmServerUrl"`
	CACert              string        `env:"CA_CERT,required" yaml:"caCert"`
	CertStorage         string        `env:"CERT_STORAGE,default=online" yaml:"certStorage"`
	WorkingDir          string        `env:"WORKING_DIR,required" yaml:"workingDir"`
	MigrationPath       string        `env:"MIGRATION_PATH" yaml:"migrationPath"`
	MergedMigrationPath string        `env:"MERGED_MIGRATION_PATH" yaml:"mergedMigrationPath"`

	CloudResponseWaitTimeout time.Duration `env:"CLOUD_RESPONSE_WAIT_TIMEOUT,default=5s" yaml:"cloudResponseWaitTimeout"`
	CMReconnectTimeout       time.Duration `env:"CM_RECONNECT_TIMEOUT,default=10s" yaml:"cmReconnectTimeout"`

	SMListenAddr string `env:"SM_LISTEN_ADDR,default=0.0.0.0:8093" yaml:"smListenAddr"`
	MetricsAddr  string `env:"METRICS_ADDR,default=0.0.0.0:9093" yaml:"metricsAddr"`

	DatabaseURL            string `env:"DATABASE_URL,required" yaml:"databaseUrl"`
	NetworkManagerCacheURL string `env:"NETWORK_MANAGER_CACHE_URL" yaml:"networkManagerCacheUrl"`

	DNSServerIP  string `env:"DNS_SERVER_IP,default=10.0.0.1" yaml:"dnsServerIp"`
	DNSHostsPath string `env:"DNS_HOSTS_PATH,default=/etc/hosts.cm" yaml:"dnsHostsPath"`
	DNSPIDFile   string `env:"DNS_PID_FILE,default=/var/run/dnsmasq.pid" yaml:"dnsPidFile"`

	IAMServerURL string `env:"IAM_SERVER_URL,required" yaml:"iamServerUrl"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlpEndpoint"`
	LogLevel     string `env:"LOG_LEVEL,default=info" yaml:"logLevel"`
	LogFormat    string `env:"LOG_FORMAT,default=text" yaml:"logFormat"`

	Provisioning ProvisioningCommands `yaml:"provisioning"`
}

// ProvisioningCommands holds the optional command lines spec.md §6 names.
// These are raw, unexpanded strings (the caller is responsible for
// splitting/expanding them with dexec) so they are bound with caarlos0/env
// rather than sethvargo/go-envconfig's struct-tag dialect, matching the
// distinct binding the pack's wisbric-nightowl config uses for its own
// optional, integration-specific fields.
type ProvisioningCommands struct {
	StartProvisioningCmd  string `env:"START_PROVISIONING_CMD" yaml:"startProvisioningCmd"`
	FinishProvisioningCmd string `env:"FINISH_PROVISIONING_CMD" yaml:"finishProvisioningCmd"`
	DeprovisionCmd        string `env:"DEPROVISION_CMD" yaml:"deprovisionCmd"`
	DiskEncryptionCmd     string `env:"DISK_ENCRYPTION_CMD" yaml:"diskEncryptionCmd"`
}

// Load binds Config from the environment, then overlays values found in
// the YAML file at yamlPath (if non-empty and present), then binds
// Provisioning a second time from the environment so env always wins over
// a templated file value for the raw command strings.
func Load(ctx context.Context, yamlPath string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: binding environment: %w", err)
	}

	if yamlPath != "" {
		if err := overlayYAML(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	if err := caarlos0env.Parse(&cfg.Provisioning); err != nil {
		return nil, fmt.Errorf("config: binding provisioning commands: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overlayYAML(cfg *Config, yamlPath string) error {
	data, err := os.ReadFile(yamlPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", yamlPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", yamlPath, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.WorkingDir == "" {
		return fmt.Errorf("config: workingDir is required")
	}

	if c.MigrationPath == "" && c.MergedMigrationPath == "" {
		return fmt.Errorf("config: one of migrationPath or mergedMigrationPath is required")
	}

	return nil
}

// EffectiveMigrationPath returns mergedMigrationPath when set, falling
// back to migrationPath — a distro overlay takes precedence over the
// base migration set.
func (c *Config) EffectiveMigrationPath() string {
	if c.MergedMigrationPath != "" {
		return c.MergedMigrationPath
	}

	return c.MigrationPath
}
