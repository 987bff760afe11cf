package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/forgeline/internal/phase"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new pipeline run without starting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := newStore(cfg)
		if err != nil {
			return err
		}

		ps, err := store.Create(cfg.Pipeline.Name, phase.PhaseInit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ps.RunID)
		return nil
	},
}
