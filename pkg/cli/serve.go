// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telekom/gateway-audit/pkg/api"
	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/config"
	"github.com/telekom/gateway-audit/pkg/pipeline"
	"github.com/telekom/gateway-audit/pkg/policy"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/store"
	"github.com/telekom/gateway-audit/pkg/telemetry"
	"github.com/telekom/gateway-audit/pkg/version"
)

// ComponentNode is the component of the records a node writes about its own
// lifecycle.
const ComponentNode = "audit-node"

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit node and its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.Config()
			if err != nil {
				return err
			}
			log, err := rt.Logger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting gateway audit node",
				zap.String("version", version.Version),
				zap.String("node", cfg.Node.ID))

			tel := cfg.Telemetry
			tel.ServiceVersion = version.Version
			tel.Logger = log.Sugar().Named("telemetry")
			_, shutdownTracing, err := telemetry.Init(ctx, tel)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Warn("tracing shutdown failed", zap.Error(err))
				}
			}()

			node, err := Bootstrap(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := node.Close(); err != nil {
					log.Warn("closing audit node", zap.Error(err))
				}
			}()
			return node.Run(ctx)
		},
	}
}

// Node is a fully wired audit node.
type Node struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Server   *api.Server
	Store    store.RecordStore
	Props    properties.Store
	Sinks    *audit.SinkRegistry
	Policies *policy.Registry

	log *zap.SugaredLogger
}

// Bootstrap opens storage and the property backend, loads policies and sinks
// and wires the pipeline and admin API. The router stays closed until Run.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *Node, err error) {
	sugar := log.Sugar()
	n := &Node{Config: cfg, log: sugar}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	sgn, err := loadSigner(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	if sgn == nil {
		sugar.Warn("Record signing is disabled")
	}

	n.Policies = policy.NewRegistry()
	if cfg.Policies.Dir != "" {
		loaded, err := policy.LoadDir(ctx, cfg.Policies.Dir, n.Policies)
		if err != nil {
			return nil, err
		}
		sugar.Infow("Loaded audit policies", "dir", cfg.Policies.Dir, "count", len(loaded))
	}

	n.Sinks = audit.NewSinkRegistry(log.Named("sinks"))
	if err := n.Sinks.Reload(cfg.Sinks); err != nil {
		return nil, fmt.Errorf("configuring audit sinks: %w", err)
	}
	engine := policy.NewEngine(n.Policies, n.Sinks, sugar.Named("policy"))

	if n.Store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if n.Props, err = openProperties(ctx, cfg.Properties, sugar.Named("properties")); err != nil {
		return nil, fmt.Errorf("opening property store: %w", err)
	}

	n.Pipeline, err = pipeline.New(pipeline.Deps{
		Properties: n.Props,
		Finder:     n.Policies,
		Executor:   engine,
		Store:      n.Store,
		Signer:     sgn,
	}, pipeline.Options{
		NodeID:        cfg.Node.ID,
		PolicyTimeout: cfg.Router.PolicyTimeout,
		FilterTimeout: cfg.Filter.Timeout,
		FailureAudit:  cfg.Router.FailureAudit,
	}, sugar.Named("pipeline"))
	if err != nil {
		return nil, err
	}

	n.Server = api.NewServer(log.Named("api"), cfg.Server, cfg.Logging.Debug)
	n.Server.AddReadinessCheck("store", n.Store.Ping)
	n.Server.AddReadinessCheck("router", func(context.Context) error {
		if !n.Pipeline.Router().IsOpen() {
			return errors.New("audit router is not open")
		}
		return nil
	})
	if rs, ok := n.Props.(*properties.RedisStore); ok {
		n.Server.AddReadinessCheck("properties", rs.Ping)
	}
	if err := n.Server.RegisterAll([]api.APIController{
		api.NewRecordController(n.Store, sgn, cfg.Node.ID, sugar.Named("records")),
		api.NewPropertyController(n.Props, n.Pipeline, sugar.Named("properties")),
		api.NewSinkController(n.Sinks, n.Store, n.Pipeline, sugar.Named("sinks")),
		api.NewStatusController(n.Pipeline),
	}); err != nil {
		return nil, err
	}
	return n, nil
}

// Run opens the router, then serves the admin API and follows property
// changes until ctx is done or either of them fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Pipeline.Start(ctx); err != nil {
		return err
	}
	n.Pipeline.EmitSystem(ctx, audit.LevelInfo, ComponentNode, "start",
		fmt.Sprintf("audit node %s started (%s)", n.Config.Node.ID, version.Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Server.Listen(gctx) })
	g.Go(func() error { return n.Pipeline.Watch(gctx) })
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	n.Pipeline.EmitSystem(stopCtx, audit.LevelInfo, ComponentNode, "stop",
		fmt.Sprintf("audit node %s stopped", n.Config.Node.ID))
	return err
}

// Close releases everything Bootstrap opened. It is safe on a partially
// wired node.
func (n *Node) Close() error {
	var errs []error
	if n.Pipeline != nil {
		n.Pipeline.Close()
	}
	if n.Server != nil {
		n.Server.Close()
	}
	if n.Sinks != nil {
		errs = append(errs, n.Sinks.Close())
	}
	if n.Props != nil {
		errs = append(errs, n.Props.Close())
	}
	if n.Store != nil {
		errs = append(errs, n.Store.Close())
	}
	return errors.Join(errs...)
}
