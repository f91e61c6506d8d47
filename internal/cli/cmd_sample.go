package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"callcheck/internal/regex"
	"callcheck/internal/solver"
)

func newSampleCmd(a *app) *cobra.Command {
	var (
		count   int
		seed    int64
		backend string
	)
	cmd := &cobra.Command{
		Use:   "sample PATTERN",
		Short: "Print distinct strings matching a regular expression",
		Long: `Sample compiles PATTERN the way argument slots are compiled and asks the
solver for distinct members of its language. It is a quick way to see what
a Regex predicate will generate.`,
		Args: positional(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return invalidInvocationf("-n must be at least 1")
			}
			cfg := a.cfg
			if cmd.Flags().Changed("solver") {
				cfg.Solver.Backend = backend
				if err := cfg.Validate(); err != nil {
					return invalidInvocationf("%v", err)
				}
			}
			term, err := regex.CompilePattern(args[0], regex.Options{MaxUnroll: cfg.Solver.MaxUnroll})
			if err != nil {
				return invalidInvocationf("%v", err)
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Run.Seed
			}

			sampler := cfg.Sampler(a.logger)
			out := cmd.OutOrStdout()
			var seen []string
			for i := 0; i < count; i++ {
				v, err := sampler.Sample(cmd.Context(), solver.Query{
					Constraint: solver.RegexConstraint(term),
					Exclusions: seen,
					Budget:     cfg.Solver.Budget,
					Seed:       seed + int64(i),
				})
				switch {
				case errors.Is(err, solver.ErrUnsatisfiable) && len(seen) == 0:
					fmt.Fprintln(out, "pattern matches no string")
					return errSuiteFailed
				case errors.Is(err, solver.ErrUnsatisfiable), errors.Is(err, solver.ErrExhausted):
					fmt.Fprintf(cmd.ErrOrStderr(), "language exhausted after %d samples\n", len(seen))
					return nil
				case err != nil:
					return err
				}
				seen = append(seen, v)
				fmt.Fprintf(out, "%q\n", v)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of samples")
	cmd.Flags().Int64Var(&seed, "seed", 0, "sampling seed (defaults to run.seed)")
	cmd.Flags().StringVar(&backend, "solver", "", "solver backend: native or smtlib")
	return cmd
}
