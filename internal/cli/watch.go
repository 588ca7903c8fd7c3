package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/g960059/tunnelctl/internal/security"
	"github.com/g960059/tunnelctl/internal/session"
)

func (r *Runner) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow service state until interrupted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: r.withEnv(func(cmd *cobra.Command, _ []string, e *env) error {
			ctx := cmd.Context()
			store, err := e.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			s := session.New(e.client, store, session.Options{
				Logger:        e.log.Named("session"),
				FreeRuleLimit: e.cfg.FreeRuleLimit,
			})
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			out := cmd.OutOrStdout()
			var last session.Status
			for {
				select {
				case err := <-done:
					return err
				case st := <-s.Updates():
					if !sameStatus(st, last) {
						printStatus(out, st)
						last = st
					}
				}
			}
		}),
	}
}

func sameStatus(a, b session.Status) bool {
	return a.Conn == b.Conn && a.Started == b.Started &&
		a.HasError == b.HasError && a.HasWarning == b.HasWarning &&
		a.Rules == b.Rules && a.Pending == b.Pending &&
		a.LogSize == b.LogSize && errText(a.LastErr) == errText(b.LastErr)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printStatus(w io.Writer, st session.Status) {
	line := fmt.Sprintf("%s  %-12s  service=%s  rules=%d  pending=%d  log=%s",
		time.Now().Format(time.TimeOnly), st.Conn, startedLabel(st.Started), st.Rules, st.Pending, humanize.Bytes(st.LogSize))
	if st.HasError {
		line += "  ERROR"
	}
	if st.HasWarning {
		line += "  WARNING"
	}
	if st.LastErr != nil {
		line += "  (" + security.Redact(st.LastErr.Error()) + ")"
	}
	_, _ = fmt.Fprintln(w, line)
}
