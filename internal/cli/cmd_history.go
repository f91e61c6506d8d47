package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"callcheck/internal/report"
	"callcheck/internal/store"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		db      string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the failures of one run",
		Args:  positional(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if db == "" {
				db = a.cfg.Output.HistoryDB
			}
			if db == "" {
				return invalidInvocationf("no history database: pass --db or set output.history_db")
			}
			s, err := store.Open(db)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				fails, err := s.FailuresForRun(cmd.Context(), args[0])
				if errors.Is(err, store.ErrRunNotFound) {
					return invalidInvocationf("%v", err)
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(out, fails)
				}
				printFailures(out, fails)
				return nil
			}

			runs, err := s.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "history database (defaults to output.history_db)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no recorded runs")
		return
	}
	for _, r := range runs {
		verdict := "PASS"
		if !r.Passed {
			verdict = "FAIL"
		}
		total := 0
		for _, n := range r.Counts.Specs {
			total += n
		}
		fmt.Fprintf(w, "%s  %s  %d/%d specs passed  seed %d  %s (%s)\n",
			r.ID, verdict, r.Counts.Specs[report.StatusPassed], total, r.Seed,
			humanize.Time(r.Started), r.Duration)
	}
}

func printFailures(w io.Writer, fails []report.Failure) {
	if len(fails) == 0 {
		fmt.Fprintln(w, "no failures")
		return
	}
	for _, f := range fails {
		if f.Subcase < 0 {
			fmt.Fprintf(w, "%s: %s\n", f.Spec, f.Error)
			continue
		}
		fmt.Fprintf(w, "%s #%d %s  %s\n", f.Spec, f.Subcase, f.Status, report.QuoteArgv(f.Argv))
		if f.Error != "" {
			fmt.Fprintf(w, "    %s\n", f.Error)
		}
		for _, m := range f.Mismatches {
			fmt.Fprintf(w, "    %s\n", m.String())
		}
	}
}
