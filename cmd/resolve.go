package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/review"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <group-id>",
	Short: "Apply a governance resolution to a queued group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		action, _ := cmd.Flags().GetString("action")
		reasonCode, _ := cmd.Flags().GetString("reason-code")
		actor, _ := cmd.Flags().GetString("actor")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		decision, err := review.ApplyResolution(ctx, st, gate.Resolution{
			GroupID:       args[0],
			Action:        action,
			NewReasonCode: reasonCode,
			ActorID:       actor,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

func init() {
	resolveCmd.Flags().String("action", gate.ResolutionApprove, "resolution action (APPROVE or OVERRIDE)")
	resolveCmd.Flags().String("reason-code", "", "replacement reason code (required for OVERRIDE)")
	resolveCmd.Flags().String("actor", "", "resolving actor identifier")
	_ = resolveCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(resolveCmd)
}
