package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/gateway-audit/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show auditd version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			writer := cmd.OutOrStdout()
			format := FormatTable
			if rt, _ := getRuntime(cmd); rt != nil {
				writer = rt.Writer()
				format = rt.OutputFormat()
			}

			if format == FormatTable {
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			}
			return WriteObject(writer, format, info)
		},
	}
}
