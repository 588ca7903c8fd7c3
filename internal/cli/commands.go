package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/g960059/tunnelctl/internal/db"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/security"
)

func (r *Runner) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service state",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			cp, err := e.client.CheckState(ctx)
			if err != nil {
				return err
			}
			lic, err := e.client.GetLicense(ctx)
			if err != nil {
				return err
			}
			rs, err := e.client.GetRuleSet(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "address:  %s\n", e.cfg.ServiceAddress)
			_, _ = fmt.Fprintf(out, "service:  %s\n", startedLabel(cp.Started))
			_, _ = fmt.Fprintf(out, "rules:    %d (%d enabled)\n", rs.Len(), enabledCount(rs))
			_, _ = fmt.Fprintf(out, "log:      %s\n", humanize.Bytes(cp.LogSize))
			if cp.ErrorTime > 0 {
				_, _ = fmt.Fprintf(out, "error:    %s\n", humanize.Time(time.UnixMilli(cp.ErrorTime)))
			}
			if cp.WarnTime > 0 {
				_, _ = fmt.Fprintf(out, "warning:  %s\n", humanize.Time(time.UnixMilli(cp.WarnTime)))
			}
			_, _ = fmt.Fprintf(out, "license:  %s\n", licenseLabel(lic, e.cfg.FreeRuleLimit))

			store, err := e.openStore(ctx)
			if err != nil {
				e.log.Warnw("settings unavailable", "error", err)
				return nil
			}
			defer store.Close()
			if err := store.Write(ctx, db.KeyLastAddress, e.cfg.ServiceAddress); err != nil {
				e.log.Warnw("remember service address", "error", err)
			}
			return nil
		}),
	}
}

func (r *Runner) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel service",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			changed, err := e.client.Start(cmd.Context())
			if err != nil {
				return err
			}
			if changed {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "service started")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "service already running")
			}
			return nil
		}),
	}
}

func (r *Runner) newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel service",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			changed, err := e.client.Stop(cmd.Context())
			if err != nil {
				return err
			}
			if changed {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "service stopped")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "service already stopped")
			}
			return nil
		}),
	}
}

func (r *Runner) newLogsCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent service log records",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			records, err := e.client.GetLogRecords(cmd.Context(), count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				line := fmt.Sprintf("%s  %-7s  %s", rec.Time.Local().Format(time.DateTime), strings.ToUpper(string(rec.Level)), security.Redact(rec.Message))
				if rec.RuleUUID != "" {
					line += "  [" + rec.RuleUUID + "]"
				}
				_, _ = fmt.Fprintln(out, line)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&count, "count", "n", 50, "number of records")
	return cmd
}

func (r *Runner) newLogLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [level]",
		Short: "Show or set the service log level",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: r.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				level, err := model.ParseLogLevel(args[0])
				if err != nil {
					return usageError{msg: err.Error()}
				}
				if err := e.client.SetLogLevel(ctx, level); err != nil {
					return err
				}
			}
			level, err := e.client.GetLogLevel(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), level)
			return nil
		}),
	}
}

func (r *Runner) newAdaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List network adapters on the service host",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			adapters, err := e.client.GetNetworkAdapters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%-16s %-5s %s\n", "NAME", "UP", "ADDRESSES")
			for _, a := range adapters {
				_, _ = fmt.Fprintf(out, "%-16s %-5t %s\n", a.Name, a.Up, strings.Join(a.Addresses, ", "))
			}
			return nil
		}),
	}
}

func (r *Runner) newLicenseCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Show or install the license",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			if key != "" {
				if err := e.client.SetLicenseKey(ctx, key); err != nil {
					return err
				}
			}
			lic, err := e.client.GetLicense(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), licenseLabel(lic, e.cfg.FreeRuleLimit))
			return nil
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "install this license key")
	return cmd
}

func (r *Runner) newCertCmd() *cobra.Command {
	var regenerate, showPEM bool
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Show the service certificate",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			var cert model.Certificate
			var err error
			if regenerate {
				cert, err = e.client.RegenerateCertificate(ctx)
			} else {
				cert, err = e.client.GetCertificate(ctx)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "subject:     %s\n", cert.Subject)
			_, _ = fmt.Fprintf(out, "fingerprint: %s\n", cert.Fingerprint)
			_, _ = fmt.Fprintf(out, "expires:     %s (%s)\n", cert.NotAfter.Format(time.DateOnly), humanize.Time(cert.NotAfter))
			if showPEM {
				_, _ = fmt.Fprint(out, cert.PEM)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "issue a new certificate")
	cmd.Flags().BoolVar(&showPEM, "pem", false, "print the PEM block")
	return cmd
}

// newAckCmd marks the current service errors and warnings as read.
func (r *Runner) newAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge service errors and warnings",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			cp, err := e.client.CheckState(ctx)
			if err != nil {
				return err
			}
			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.WriteInt64(ctx, db.KeyAckErrorTime, cp.ErrorTime); err != nil {
				return err
			}
			if err := store.WriteInt64(ctx, db.KeyAckWarnTime, cp.WarnTime); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "acknowledged")
			return nil
		}),
	}
}

func startedLabel(started bool) string {
	if started {
		return "running"
	}
	return "stopped"
}

func enabledCount(rs model.RuleSet) int {
	n := 0
	for _, r := range rs.All() {
		if r.Enabled {
			n++
		}
	}
	return n
}

func licenseLabel(lic model.License, free int) string {
	switch {
	case !lic.Valid:
		return fmt.Sprintf("unlicensed (%d enabled rules)", free)
	case lic.Unlimited():
		return fmt.Sprintf("%s (unlimited rules)", lic.Licensee)
	default:
		label := fmt.Sprintf("%s (%s enabled rules)", lic.Licensee, humanize.Comma(int64(lic.MaxRules)))
		if !lic.ExpiresAt.IsZero() {
			label += ", expires " + lic.ExpiresAt.Format(time.DateOnly)
		}
		return label
	}
}
