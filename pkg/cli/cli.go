package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/audit/signer"
	"github.com/telekom/gateway-audit/pkg/config"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/store"
	"github.com/telekom/gateway-audit/pkg/system"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath   string
	cfg          *config.Config
	outputFormat string
	debug        bool
	writer       io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   os.Getenv(config.PathEnv),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:          "auditd",
		Short:        "Gateway audit node",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("AUDIT_OUTPUT")
			}
			if !rt.debug {
				rt.debug = strings.EqualFold(os.Getenv("AUDIT_DEBUG"), "true")
			}
			if cmd.Name() == "version" {
				return nil
			}
			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if rt.debug {
				loaded.Logging.Debug = true
			}
			rt.cfg = &loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewRecordsCommand(),
		NewPropertiesCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) OutputFormat() Format {
	if rt.outputFormat != "" {
		return Format(rt.outputFormat)
	}
	return FormatTable
}

func (rt *runtimeState) Config() (*config.Config, error) {
	if rt.cfg == nil {
		return nil, errors.New("config not loaded")
	}
	return rt.cfg, nil
}

func (rt *runtimeState) Logger() (*zap.Logger, error) {
	debug := rt.debug
	if rt.cfg != nil {
		debug = debug || rt.cfg.Logging.Debug
	}
	return system.NewLogger(debug)
}

// openStore opens the configured record store.
func openStore(ctx context.Context, cfg config.Storage) (store.RecordStore, error) {
	var driver store.Driver
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		driver = store.DriverSQLite
	case "postgres":
		driver = store.DriverPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	st, err := store.OpenSQL(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// openProperties opens the configured property backend and writes the
// initial values that are not set yet.
func openProperties(ctx context.Context, cfg config.Properties, log *zap.SugaredLogger) (properties.Store, error) {
	var props properties.Store
	switch cfg.Backend {
	case "", "memory":
		props = properties.NewMemoryStore()
	case "redis":
		rs, err := properties.NewRedisStore(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		props = rs
	default:
		return nil, fmt.Errorf("unknown properties backend %q", cfg.Backend)
	}

	for name, value := range cfg.Initial {
		_, found, err := props.Get(ctx, name)
		if err != nil {
			_ = props.Close()
			return nil, fmt.Errorf("reading property %s: %w", name, err)
		}
		if found {
			continue
		}
		if err := props.Set(ctx, name, value); err != nil {
			_ = props.Close()
			return nil, fmt.Errorf("seeding property %s: %w", name, err)
		}
	}
	return props, nil
}

// loadSigner returns nil when signing is disabled.
func loadSigner(cfg config.Signing) (*signer.Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PKCS12File != "" {
		var password string
		if cfg.PKCS12PasswordEnv != "" {
			password = os.Getenv(cfg.PKCS12PasswordEnv)
		}
		return signer.LoadPKCS12File(cfg.PKCS12File, password)
	}
	return signer.LoadPEMFiles(cfg.KeyFile, cfg.CertFile)
}
