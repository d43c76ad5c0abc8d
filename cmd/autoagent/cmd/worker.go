package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/refworker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a built-in worker on stdin/stdout",
	Long: `Run the built-in worker for one role. It speaks newline-delimited
JSON-RPC on stdin and stdout and is started by the supervisor for every role
without a configured command.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var (
	workerRole   string
	workerScore  float64
	workerDryRun bool
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerRole, "role", "", "worker role (research, architect, codesmith, validator, responder)")
	workerCmd.Flags().Float64Var(&workerScore, "score", refworker.DefaultScore, "score reported by the validator")
	workerCmd.Flags().BoolVar(&workerDryRun, "dry-run", false, "do not write files into the workspace")
	_ = workerCmd.MarkFlagRequired("role")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	role, err := core.ParseRole(workerRole)
	if err != nil {
		return err
	}

	// stdout carries the protocol, so logs always go to stderr.
	lc := logging.DefaultConfig()
	lc.Output = cmd.ErrOrStderr()
	if logLevel != "" {
		lc.Level = logLevel
	}
	if logFormat != "" {
		lc.Format = logFormat
	}

	w, err := refworker.New(refworker.Config{
		Role:    role,
		Score:   workerScore,
		DryRun:  workerDryRun,
		Version: appVersion,
	}, logging.New(lc))
	if err != nil {
		return err
	}
	return w.Serve(ctx)
}
