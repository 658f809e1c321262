package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/gateway-audit/pkg/properties"
)

func NewPropertiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "properties",
		Aliases: []string{"props"},
		Short:   "Read and change cluster-wide audit properties",
	}
	cmd.AddCommand(
		newPropertiesListCommand(),
		newPropertiesGetCommand(),
		newPropertiesSetCommand(),
		newPropertiesDeleteCommand(),
	)
	return cmd
}

// withProperties opens the configured backend for the duration of fn.
func withProperties(cmd *cobra.Command, fn func(rt *runtimeState, props properties.Store) error) error {
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
		return err
	}
	props, err := openProperties(cmd.Context(), cfg.Properties, log.Sugar())
	if err != nil {
		return err
	}
	defer func() { _ = props.Close() }()
	return fn(rt, props)
}

func newPropertiesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProperties(cmd, func(rt *runtimeState, props properties.Store) error {
				values, err := props.List(cmd.Context())
				if err != nil {
					return err
				}
				if rt.OutputFormat() == FormatTable {
					WritePropertyTable(rt.Writer(), values)
					return nil
				}
				return WriteObject(rt.Writer(), rt.OutputFormat(), values)
			})
		},
	}
}

func newPropertiesGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print a property value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProperties(cmd, func(rt *runtimeState, props properties.Store) error {
				value, found, err := props.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("property %s is not set", args[0])
				}
				_, err = fmt.Fprintln(rt.Writer(), value)
				return err
			})
		},
	}
}

func newPropertiesSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Set a property on every node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProperties(cmd, func(rt *runtimeState, props properties.Store) error {
				if err := props.Set(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(rt.Writer(), "property %s set\n", args[0])
				return err
			})
		},
	}
}

func newPropertiesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a property on every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProperties(cmd, func(rt *runtimeState, props properties.Store) error {
				if err := props.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(rt.Writer(), "property %s deleted\n", args[0])
				return err
			})
		},
	}
}
