// Package cli is the cobra command tree of the callcheck binary.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"callcheck/internal/config"
	"callcheck/internal/logging"
)

// app holds what every subcommand shares once the root has parsed its
// persistent flags.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "callcheck",
		Short: "Verify that programs honour their call contracts",
		Long: `callcheck generates concrete invocations from declarative call contracts,
runs each one in a throwaway sandbox and checks the exit code, output and
filesystem effects against the contract.`,
		Args:          positional(cobra.NoArgs),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(
		newRunCmd(a),
		newListCmd(a),
		newHistoryCmd(a),
		newSampleCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return configError(err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Logging.JSON = a.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return invalidInvocationf("%v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return configError(err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// positional wraps an argument validator so that its errors map to the
// invalid-invocation exit code.
func positional(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return invalidInvocationf("%v", err)
		}
		return nil
	}
}

// Execute runs the command line args and returns the process exit code.
// Errors are printed to stderr, except a failed suite whose report already
// says so.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errSuiteFailed) {
		fmt.Fprintf(stderr, "callcheck: %v\n", err)
	}
	return ExitCode(err)
}
