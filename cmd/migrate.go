package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			st, err := store.Open(cfg.StoreDir)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
