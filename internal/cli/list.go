package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Fetch and print the conversation list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			views := a.engine.Views()
			total := a.engine.EffectiveTotalUnread()
			if jsonOut {
				return writeViewsJSON(cmd.OutOrStdout(), views, total)
			}
			return writeViewsTable(cmd.OutOrStdout(), views, total, time.Now().UTC())
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON instead of a table")
	return cmd
}
