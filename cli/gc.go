package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/compozy/epoxy/engine/bootstrap"
	"github.com/spf13/cobra"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

// GCCmd runs one synchronous garbage collection sweep over every store.
func GCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete versions no snapshot can read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				res, err := rt.Coordinator.CollectGarbage(ctx)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, headerStyle.Render("STORE")+"\t"+headerStyle.Render("DELETED"))
				for _, s := range rt.Coordinator.Stores() {
					fmt.Fprintf(w, "%s\t%d\n", s.Name(), res.Deleted[s.Name()])
				}
				fmt.Fprintf(w, "mark %s\ttotal %d\n", res.Mark, res.Total())
				if flushErr := w.Flush(); flushErr != nil && err == nil {
					err = flushErr
				}
				return err
			})
		},
	}
}
