package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the reliability tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", o.cfg.Database.Driver)
			return nil
		},
	}
}
