package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/ratelimit"
	"github.com/telekom/gateway-audit/pkg/telemetry"
)

// PathEnv overrides the default config file location.
const PathEnv = "AUDIT_CONFIG_PATH"

const defaultPath = "./config.yaml"

type Server struct {
	ListenAddress  string   `yaml:"listenAddress"`
	TLSCertFile    string   `yaml:"tlsCertFile"`
	TLSKeyFile     string   `yaml:"tlsKeyFile"`
	TrustedProxies []string `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
	// RateLimit applies per client IP to the admin API
	RateLimit ratelimit.Config `yaml:"rateLimit"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Node struct {
	// ID identifies this node in every record it produces. Defaults to the hostname.
	ID string `yaml:"id"`
}

// Signing configures the key records are signed with. Either a PEM key and
// certificate pair or a PKCS#12 keystore may be given.
type Signing struct {
	Enabled    bool   `yaml:"enabled"`
	KeyFile    string `yaml:"keyFile"`
	CertFile   string `yaml:"certFile"`
	PKCS12File string `yaml:"pkcs12File"`
	// PKCS12PasswordEnv names the environment variable holding the keystore password
	PKCS12PasswordEnv string `yaml:"pkcs12PasswordEnv"`
}

type Policies struct {
	// Dir holds policies.yaml and the Rego modules it references
	Dir string `yaml:"dir"`
}

type Properties struct {
	// Backend is "memory" or "redis"
	Backend string                 `yaml:"backend"`
	Redis   properties.RedisConfig `yaml:"redis"`
	// Initial values written on startup when the key does not exist yet
	Initial map[string]string `yaml:"initial"`
}

type Storage struct {
	// Driver is "memory", "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Router struct {
	PolicyTimeout time.Duration `yaml:"policyTimeout"`
	// FailureAudit limits the self-audit records written per failure stage
	FailureAudit ratelimit.Config `yaml:"failureAudit"`
}

type Filter struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Logging struct {
	Debug bool `yaml:"debug"`
}

type Config struct {
	Server     Server            `yaml:"server"`
	Node       Node              `yaml:"node"`
	Signing    Signing           `yaml:"signing"`
	Policies   Policies          `yaml:"policies"`
	Properties Properties        `yaml:"properties"`
	Storage    Storage           `yaml:"storage"`
	Sinks      []audit.SinkSpec  `yaml:"sinks"`
	Router     Router            `yaml:"router"`
	Filter     Filter            `yaml:"filter"`
	Telemetry  telemetry.Options `yaml:"telemetry"`
	Logging    Logging           `yaml:"logging"`
}

// Load loads the audit configuration from a file path.
// If configPath is empty, the AUDIT_CONFIG_PATH environment variable is used,
// then "./config.yaml". Defaults are applied and the result validated.
func Load(configPath ...string) (Config, error) {
	path := defaultPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv(PathEnv); env != "" {
		path = env
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open audit config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Defaults()
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid audit config %s: %w", path, err)
	}
	return config, nil
}

// Defaults fills in every unset field.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.RateLimit.Rate == 0 {
		c.Server.RateLimit = ratelimit.DefaultAPIConfig()
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Node.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.ID = host
		} else {
			c.Node.ID = "node-1"
		}
	}
	if c.Properties.Backend == "" {
		c.Properties.Backend = "memory"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Router.PolicyTimeout == 0 {
		c.Router.PolicyTimeout = 10 * time.Second
	}
	if c.Router.FailureAudit.Rate == 0 {
		c.Router.FailureAudit = ratelimit.DefaultSelfAuditConfig()
	}
	if c.Filter.Timeout == 0 {
		c.Filter.Timeout = 5 * time.Second
	}
}

// Validate reports the first inconsistency found.
func (c *Config) Validate() error {
	switch c.Properties.Backend {
	case "memory":
	case "redis":
		if c.Properties.Redis.URL == "" {
			return errors.New("properties.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown properties backend %q", c.Properties.Backend)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Signing.Enabled {
		pem := c.Signing.KeyFile != "" && c.Signing.CertFile != ""
		if !pem && c.Signing.PKCS12File == "" {
			return errors.New("signing requires keyFile and certFile, or pkcs12File")
		}
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tlsCertFile and server.tlsKeyFile must be set together")
	}

	seen := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink of type %q has no name", s.Type)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate sink name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
