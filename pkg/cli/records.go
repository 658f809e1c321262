package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/gateway-audit/pkg/api"
	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
	"github.com/telekom/gateway-audit/pkg/config"
	"github.com/telekom/gateway-audit/pkg/export"
	"github.com/telekom/gateway-audit/pkg/store"
)

// ErrSignatureInvalid is returned by the verify commands after the result has
// been printed, so the process exits non-zero.
var ErrSignatureInvalid = errors.New("signature verification failed")

func NewRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"rec"},
		Short:   "Inspect, verify and export stored audit records",
	}
	cmd.AddCommand(
		newRecordsListCommand(),
		newRecordsGetCommand(),
		newRecordsVerifyCommand(),
		newRecordsExportCommand(),
		newRecordsVerifyExportCommand(),
	)
	return cmd
}

type criteriaFlags struct {
	from      string
	to        string
	levels    []string
	category  string
	node      string
	name      string
	user      string
	requestID string
	limit     int
}

func (f *criteriaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "Earliest record time (RFC3339 or unix milliseconds)")
	cmd.Flags().StringVar(&f.to, "to", "", "Latest record time, exclusive (RFC3339 or unix milliseconds)")
	cmd.Flags().StringSliceVar(&f.levels, "level", nil, "Record levels: FINE, INFO, WARNING, SEVERE")
	cmd.Flags().StringVar(&f.category, "category", "", "Record type: message, admin, system")
	cmd.Flags().StringVar(&f.node, "node", "", "Node id")
	cmd.Flags().StringVar(&f.name, "name", "", "Service, entity or component name")
	cmd.Flags().StringVar(&f.user, "user", "", "User name")
	cmd.Flags().StringVar(&f.requestID, "request-id", "", "Request id")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum number of records")
}

func (f *criteriaFlags) criteria() (store.Criteria, error) {
	var crit store.Criteria
	var err error
	if crit.From, err = parseTimeFlag(f.from); err != nil {
		return crit, fmt.Errorf("--from: %w", err)
	}
	if crit.To, err = parseTimeFlag(f.to); err != nil {
		return crit, fmt.Errorf("--to: %w", err)
	}
	for _, l := range f.levels {
		lvl, err := audit.ParseLevel(l)
		if err != nil {
			return crit, err
		}
		crit.Levels = append(crit.Levels, lvl)
	}
	switch audit.Category(f.category) {
	case "", audit.CategoryMessage, audit.CategoryAdmin, audit.CategorySystem:
		crit.Category = audit.Category(f.category)
	default:
		return crit, fmt.Errorf("unknown category %q", f.category)
	}
	if f.limit < 0 {
		return crit, fmt.Errorf("invalid limit %d", f.limit)
	}
	crit.NodeID = f.node
	crit.Name = f.name
	crit.UserName = f.user
	crit.RequestID = f.requestID
	crit.Limit = f.limit
	return crit, nil
}

func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// withStore opens the configured record store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(rt *runtimeState, cfg *config.Config, st store.RecordStore) error) error {
	rt, err := getRuntime(cmd)
	if err != nil {
		return err
	}
	cfg, err := rt.Config()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(rt, cfg, st)
}

// trustedCertificate reads certFile, falling back to the certificate of the
// configured signing key. It returns nil when neither is available.
func trustedCertificate(cfg *config.Config, certFile string) (*x509.Certificate, error) {
	if certFile != "" {
		raw, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("reading certificate %s: %w", certFile, err)
		}
		return signer.ParseCertificatePEM(raw)
	}
	s, err := loadSigner(cfg.Signing)
	if err != nil || s == nil {
		return nil, err
	}
	return s.Certificate(), nil
}

func newRecordsListCommand() *cobra.Command {
	var flags criteriaFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			crit, err := flags.criteria()
			if err != nil {
				return err
			}
			return withStore(cmd, func(rt *runtimeState, _ *config.Config, st store.RecordStore) error {
				recs, err := st.Find(cmd.Context(), crit)
				if err != nil {
					return err
				}
				if rt.OutputFormat() == FormatTable {
					WriteRecordTable(rt.Writer(), recs)
					return nil
				}
				return WriteObject(rt.Writer(), rt.OutputFormat(), recs)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRecordsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a stored record with its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(rt *runtimeState, _ *config.Config, st store.RecordStore) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				format := rt.OutputFormat()
				if format == FormatTable {
					format = FormatYAML
				}
				return WriteObject(rt.Writer(), format, rec)
			})
		},
	}
}

func newRecordsVerifyCommand() *cobra.Command {
	var algorithm, certFile string
	cmd := &cobra.Command{
		Use:   "verify ID",
		Short: "Verify the signature of a stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := signer.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			return withStore(cmd, func(rt *runtimeState, cfg *config.Config, st store.RecordStore) error {
				cert, err := trustedCertificate(cfg, certFile)
				if err != nil {
					return err
				}
				if cert == nil {
					return errors.New("no certificate: pass --cert or configure signing")
				}
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(rec.Signature) == 0 {
					return fmt.Errorf("audit record %s is not signed", rec.ID)
				}

				res := api.VerifyResult{ID: rec.ID, Algorithm: alg}
				res.Valid, err = signer.VerifyRecord(rec, alg, cert)
				if err != nil {
					res.Error = err.Error()
				}
				if rt.OutputFormat() == FormatTable {
					status := "valid"
					if !res.Valid {
						status = "INVALID"
					}
					_, _ = fmt.Fprintf(rt.Writer(), "%s: %s (%s)\n", res.ID, status, res.Algorithm)
				} else if err := WriteObject(rt.Writer(), rt.OutputFormat(), res); err != nil {
					return err
				}
				if !res.Valid {
					return ErrSignatureInvalid
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(signer.AlgorithmCurrent), "Digest algorithm: current or legacy")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate to verify with (defaults to the signing certificate)")
	return cmd
}

func newRecordsExportCommand() *cobra.Command {
	var flags criteriaFlags
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write matching records to a signed zip archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			crit, err := flags.criteria()
			if err != nil {
				return err
			}
			return withStore(cmd, func(rt *runtimeState, cfg *config.Config, st store.RecordStore) error {
				sgn, err := loadSigner(cfg.Signing)
				if err != nil {
					return err
				}
				recs, err := st.Find(cmd.Context(), crit)
				if err != nil {
					return err
				}
				if file == "" {
					file = fmt.Sprintf("audit-%s-%s.zip", cfg.Node.ID, time.Now().UTC().Format("20060102T150405Z"))
				}
				out, err := os.Create(file)
				if err != nil {
					return err
				}
				m, err := export.Write(out, cfg.Node.ID, recs, sgn)
				if cerr := out.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					_ = os.Remove(file)
					return err
				}
				if rt.OutputFormat() == FormatTable {
					_, _ = fmt.Fprintf(rt.Writer(), "wrote %d records to %s (sha256 %s)\n", m.Records, file, m.SHA256)
					return nil
				}
				return WriteObject(rt.Writer(), rt.OutputFormat(), m)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Archive path (defaults to audit-<node>-<time>.zip)")
	return cmd
}

func newRecordsVerifyExportCommand() *cobra.Command {
	var certFile string
	cmd := &cobra.Command{
		Use:   "verify-export FILE",
		Short: "Check the digests and signature of an export archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.Config()
			if err != nil {
				return err
			}
			cert, err := trustedCertificate(cfg, certFile)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			m, err := export.Verify(f, info.Size(), cert)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
			}
			if rt.OutputFormat() == FormatTable {
				signed := "unsigned"
				if m.Signature != "" {
					signed = "signed"
				}
				_, _ = fmt.Fprintf(rt.Writer(), "%s: valid, %d records from %s, %s\n", args[0], m.Records, m.NodeID, signed)
				return nil
			}
			return WriteObject(rt.Writer(), rt.OutputFormat(), m)
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate the archive must be signed with")
	return cmd
}
