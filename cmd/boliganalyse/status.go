package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"boliganalyse/internal/orchestrator"
)

func newStatusCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <listing-id>",
		Short: "Print the stored status of a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			conn, store, err := openStore(cmd.Context(), cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer conn.Close()

			rec, err := store.FindByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(orchestrator.ViewOf(rec))
		},
	}
}
