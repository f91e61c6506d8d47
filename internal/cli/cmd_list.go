package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"callcheck/internal/callspec"
)

var (
	specNameStyle = lipgloss.NewStyle().Bold(true)
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newListCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the built-in contracts",
		Args:  positional(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := builtinRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			specs := reg.Specs()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(specs)
			}
			for _, s := range specs {
				fmt.Fprintf(out, "%s %s\n", specNameStyle.Render(s.Name), detailStyle.Render(describeSpec(s)))
				for _, sl := range s.Slots {
					fmt.Fprintf(out, "    %s\n", describeSlot(sl))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the contracts as JSON")
	return cmd
}

func describeSpec(s callspec.CallSpec) string {
	parts := []string{"program " + s.Program}
	codes := s.Effects.AcceptedExitCodes()
	strs := make([]string, len(codes))
	for i, c := range codes {
		strs[i] = fmt.Sprint(c)
	}
	parts = append(parts, "exit "+strings.Join(strs, "|"))
	if n := len(s.Effects.Files); n > 0 {
		parts = append(parts, fmt.Sprintf("%d file effects", n))
	}
	if n := len(s.Fixtures); n > 0 {
		parts = append(parts, fmt.Sprintf("%d fixtures", n))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func describeSlot(sl callspec.ArgSlot) string {
	s := fmt.Sprintf("%s %s %s", sl.Name, sl.Domain, sl.Predicate.String())
	if sl.Variadic {
		s += fmt.Sprintf(" x[%d,%d]", sl.Min, sl.Max)
	}
	if len(sl.DependsOn) > 0 {
		s += " after " + strings.Join(sl.DependsOn, ", ")
	}
	return s
}
