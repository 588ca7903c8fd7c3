package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/reconcile"
)

func (r *Runner) newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage tunnel and service rules",
	}
	cmd.AddCommand(
		r.newRulesListCmd(),
		r.newRulesExportCmd(),
		r.newRulesImportCmd(),
		r.newRulesDeleteCmd(),
		r.newRulesEnableCmd(true),
		r.newRulesEnableCmd(false),
	)
	return cmd
}

// reconciler loads the service rules into a fresh reconciler gated by
// the installed license.
func (e *env) reconciler(ctx context.Context) (*reconcile.Reconciler, error) {
	lic, err := e.client.GetLicense(ctx)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(e.client, reconcile.Options{
		Logger: e.log.Named("reconcile"),
		Limit:  reconcile.LicenseLimit(lic, e.cfg.FreeRuleLimit),
	})
	if err := rec.Refresh(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Runner) newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			rec, err := e.reconciler(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%-36s  %-7s  %-3s  %-24s  %s\n", "UUID", "KIND", "ON", "NAME", "DETAIL")
			for _, rule := range rec.Rules() {
				_, _ = fmt.Fprintf(out, "%-36s  %-7s  %-3s  %-24s  %s\n", rule.UUID, rule.Kind, onOff(rule.Enabled), rule.Name, ruleDetail(rule))
			}
			return nil
		}),
	}
}

func (r *Runner) newRulesExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export [uuid...]",
		Short: "Export rules as XML",
		RunE: r.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			rec, err := e.reconciler(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := rec.Export(args...)
			if err != nil {
				return err
			}
			if file == "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), doc)
				return nil
			}
			return os.WriteFile(file, []byte(doc), 0o600)
		}),
	}
	cmd.Flags().StringVarP(&file, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (r *Runner) newRulesImportCmd() *cobra.Command {
	var asNew bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import rules from an XML file and apply them",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: r.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := e.reconciler(ctx)
			if err != nil {
				return err
			}
			var ids []string
			if asNew {
				ids, err = rec.ImportAdd(string(data))
			} else {
				ids, err = rec.ImportMerge(string(data))
			}
			if err != nil {
				return err
			}
			if err := rec.ApplyAll(ctx); err != nil {
				return err
			}
			for _, id := range ids {
				rule, _ := rec.Rule(id)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %s %q (%s)\n", id, rule.Name, onOff(rule.Enabled))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asNew, "add", false, "import every rule as a new copy")
	return cmd
}

func (r *Runner) newRulesDeleteCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "delete [uuid...]",
		Short: "Delete rules",
		RunE: r.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			if !all && len(args) == 0 {
				return usageError{msg: "specify rule uuids or --all"}
			}
			ctx := cmd.Context()
			rec, err := e.reconciler(ctx)
			if err != nil {
				return err
			}
			if all {
				err = rec.DeleteAll(ctx)
			} else {
				err = rec.Delete(ctx, args...)
			}
			if err != nil {
				return err
			}
			if err := rec.ApplyAll(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every rule")
	return cmd
}

func (r *Runner) newRulesEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable", "Enable rules"
	if !enabled {
		use, short = "disable", "Disable rules"
	}
	return &cobra.Command{
		Use:   use + " <uuid...>",
		Short: short,
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: r.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			ctx := cmd.Context()
			rec, err := e.reconciler(ctx)
			if err != nil {
				return err
			}
			if err := rec.SetEnabled(ctx, enabled, args...); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%sd %d rule(s)\n", use, len(args))
			return nil
		}),
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func ruleDetail(rule model.Rule) string {
	switch rule.Kind {
	case model.KindTunnel:
		t := rule.Tunnel
		return fmt.Sprintf("%s %s:%d -> %s:%d", t.Protocol, listenHost(t.ListenAddr), t.ListenPort, t.TargetHost, t.TargetPort)
	case model.KindService:
		s := rule.Service
		detail := fmt.Sprintf("%s %s:%d", s.Protocol, listenHost(s.ListenAddr), s.ListenPort)
		if s.Auth {
			detail += " auth"
		}
		if n := len(s.AllowedClients); n > 0 {
			detail += fmt.Sprintf(" clients=%d", n)
		}
		return detail
	default:
		return ""
	}
}

func listenHost(addr string) string {
	if addr == "" {
		return "*"
	}
	return addr
}
