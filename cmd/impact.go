package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recon-engine/internal/impact"
	"github.com/sells-group/recon-engine/internal/rules"
	"github.com/sells-group/recon-engine/internal/store"
)

var impactCmd = &cobra.Command{
	Use:   "impact",
	Short: "Preview a candidate tolerance rule version against historical decisions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		ruleID, _ := cmd.Flags().GetString("rule-id")
		version, _ := cmd.Flags().GetInt("version")
		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")
		atStr, _ := cmd.Flags().GetString("effective-at")

		from, err := time.Parse(time.DateOnly, fromStr)
		if err != nil {
			return eris.Wrapf(err, "parse window start %q", fromStr)
		}
		to, err := time.Parse(time.DateOnly, toStr)
		if err != nil {
			return eris.Wrapf(err, "parse window end %q", toStr)
		}

		resolver, err := rules.LoadFile(rulesPath(cmd))
		if err != nil {
			return err
		}

		// The candidate is a version already present in the rule-set
		// file (typically a draft with a future effective date).
		effectiveAt, err := time.Parse(time.DateOnly, atStr)
		if err != nil {
			return eris.Wrapf(err, "parse effective-at %q", atStr)
		}
		candidate, err := resolver.ResolveTolerance(ruleID, effectiveAt)
		if err != nil {
			return err
		}
		if version > 0 && candidate.Version != version {
			return eris.Errorf("rule %s resolves to version %d at %s, not %d",
				ruleID, candidate.Version, atStr, version)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		report, err := impact.New(st).Evaluate(ctx, *candidate, store.DecisionWindow{From: from, To: to})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	impactCmd.Flags().String("rule-id", "", "tolerance rule identifier")
	impactCmd.Flags().Int("version", 0, "expected candidate version (optional check)")
	impactCmd.Flags().String("effective-at", time.Now().UTC().Format(time.DateOnly), "date at which the candidate version is effective")
	impactCmd.Flags().String("from", "", "window start (YYYY-MM-DD)")
	impactCmd.Flags().String("to", "", "window end (YYYY-MM-DD)")
	impactCmd.Flags().String("rules", "", "rule-set file (default from config)")
	_ = impactCmd.MarkFlagRequired("rule-id")
	_ = impactCmd.MarkFlagRequired("from")
	_ = impactCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(impactCmd)
}
