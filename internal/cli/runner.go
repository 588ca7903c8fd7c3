// Package cli implements the tunnelctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g960059/tunnelctl/internal/config"
	"github.com/g960059/tunnelctl/internal/db"
	"github.com/g960059/tunnelctl/internal/logging"
	"github.com/g960059/tunnelctl/internal/rpcclient"
	"github.com/g960059/tunnelctl/internal/security"
)

type Runner struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	address    string
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut}
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", security.Redact(err.Error()))
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tunnelctl",
		Short:         "Control center for the tunnel service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&r.configPath, "config", config.DefaultPath(), "config file")
	root.PersistentFlags().StringVar(&r.address, "address", "", "service address (unix:///path or tcp://host:port)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{msg: err.Error()}
	})

	root.AddCommand(
		r.newStatusCmd(),
		r.newStartCmd(),
		r.newStopCmd(),
		r.newRulesCmd(),
		r.newLogsCmd(),
		r.newLogLevelCmd(),
		r.newAdaptersCmd(),
		r.newLicenseCmd(),
		r.newCertCmd(),
		r.newAckCmd(),
		r.newWatchCmd(),
	)
	return root
}

// env is what a command needs to talk to the service.
type env struct {
	cfg    config.Config
	log    *zap.SugaredLogger
	conn   *rpcclient.HTTPConn
	client *rpcclient.Client
}

func (r *Runner) open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	log := logging.NewWithConsole(cfg.Log, r.errOut)
	switch {
	case r.address != "":
		cfg.ServiceAddress = r.address
	case cfg.ServiceAddress == config.DefaultConfig().ServiceAddress:
		if addr := rememberedAddress(ctx, cfg.DBPath, log); addr != "" {
			cfg.ServiceAddress = addr
		}
	}
	conn, err := rpcclient.Dial(cfg.ServiceAddress, cfg.UnaryTimeout)
	if err != nil {
		return nil, err
	}
	client := rpcclient.New(conn, rpcclient.Options{
		Logger:       log.Named("rpc"),
		Progress:     newTextProgress(r.errOut),
		ProgressOpts: rpcclient.ProgressOptions{Grace: cfg.ProgressGrace, Pulse: cfg.ProgressPulse},
		PollInterval: cfg.PollInterval,
		FailureLimit: cfg.DisconnectFailures,
	})
	return &env{cfg: cfg, log: log, conn: conn, client: client}, nil
}

// rememberedAddress returns the address a previous status run reached,
// or "" when none is stored.
func rememberedAddress(ctx context.Context, dbPath string, log *zap.SugaredLogger) string {
	if _, err := os.Stat(dbPath); err != nil {
		return ""
	}
	store, err := db.OpenMigrated(ctx, dbPath)
	if err != nil {
		log.Debugw("settings unavailable", "error", err)
		return ""
	}
	defer store.Close()
	addr, err := store.Read(ctx, db.KeyLastAddress, "")
	if err != nil {
		log.Debugw("read remembered address", "error", err)
		return ""
	}
	return addr
}

func (e *env) close() {
	e.client.Close()
	e.conn.CloseIdle()
	_ = e.log.Sync()
}

func (e *env) openStore(ctx context.Context) (*db.Store, error) {
	store, err := db.OpenMigrated(ctx, e.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	return store, nil
}

// withEnv runs fn with a connected env and closes it afterwards.
func (r *Runner) withEnv(fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := r.open(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, args, e)
	}
}

func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return usageError{msg: err.Error()}
		}
		return nil
	}
}
