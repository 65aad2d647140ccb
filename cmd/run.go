package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recon-engine/internal/attribution"
	"github.com/sells-group/recon-engine/internal/detect"
	"github.com/sells-group/recon-engine/internal/engine"
	"github.com/sells-group/recon-engine/internal/gate"
	"github.com/sells-group/recon-engine/internal/ingest"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/resilience"
	"github.com/sells-group/recon-engine/internal/review"
	"github.com/sells-group/recon-engine/internal/rules"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a reconciliation run over two input files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fileA, _ := cmd.Flags().GetString("file-a")
		fileB, _ := cmd.Flags().GetString("file-b")
		systemA, _ := cmd.Flags().GetString("system-a")
		systemB, _ := cmd.Flags().GetString("system-b")
		entityType, _ := cmd.Flags().GetString("entity-type")
		keyColumn, _ := cmd.Flags().GetString("key-column")
		dateStr, _ := cmd.Flags().GetString("business-date")
		resumeID, _ := cmd.Flags().GetString("resume")

		businessDate, err := time.Parse(time.DateOnly, dateStr)
		if err != nil {
			return eris.Wrapf(err, "parse business date %q", dateStr)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var run *model.Run
		if resumeID != "" {
			// Resuming re-executes against the stored run's identity and
			// business date; shard checkpoints skip the finished groups.
			run, err = st.GetRun(ctx, resumeID)
			if err != nil {
				return eris.Wrapf(err, "resume run %s", resumeID)
			}
			businessDate = run.BusinessDate
			systemA = run.SourceSystemA
			systemB = run.SourceSystemB
		}

		resolver, err := rules.LoadFile(rulesPath(cmd))
		if err != nil {
			return err
		}

		recordsA, err := ingest.Load(fileA, ingest.FileSpec{
			Source:         model.SourceA,
			SourceSystemID: systemA,
			EntityType:     entityType,
			KeyColumn:      keyColumn,
			BusinessDate:   businessDate,
		})
		if err != nil {
			return err
		}
		recordsB, err := ingest.Load(fileB, ingest.FileSpec{
			Source:         model.SourceB,
			SourceSystemID: systemB,
			EntityType:     entityType,
			KeyColumn:      keyColumn,
			BusinessDate:   businessDate,
		})
		if err != nil {
			return err
		}

		if run == nil {
			run, err = st.CreateRun(ctx, model.Run{
				ID:            uuid.New().String(),
				SourceSystemA: systemA,
				SourceSystemB: systemB,
				BusinessDate:  businessDate,
				Status:        model.RunStatusQueued,
			})
			if err != nil {
				return eris.Wrap(err, "create run")
			}
		}

		eng := engine.New(
			engine.Config(cfg.Engine),
			st,
			initScorer(),
			initQueue(),
			gate.Config(cfg.Gate),
			detect.KnowledgeContext{},
		)

		result, err := eng.Run(ctx, *run, recordsA, recordsB, resolver)
		if err != nil {
			return err
		}

		formatRunResult(os.Stdout, run.ID, result)
		return nil
	},
}

func init() {
	runCmd.Flags().String("file-a", "", "source A input file (csv or xlsx)")
	runCmd.Flags().String("file-b", "", "source B input file (csv or xlsx)")
	runCmd.Flags().String("system-a", "", "source system A identifier")
	runCmd.Flags().String("system-b", "", "source system B identifier")
	runCmd.Flags().String("entity-type", "transaction", "entity type of the input records")
	runCmd.Flags().String("key-column", "key", "column holding the raw matching key")
	runCmd.Flags().String("business-date", time.Now().UTC().Format(time.DateOnly), "business date (YYYY-MM-DD)")
	runCmd.Flags().String("rules", "", "rule-set file (default from config)")
	runCmd.Flags().String("resume", "", "resume an interrupted run by id, picking up from its shard checkpoints")
	_ = runCmd.MarkFlagRequired("file-a")
	_ = runCmd.MarkFlagRequired("file-b")
	rootCmd.AddCommand(runCmd)
}

func rulesPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("rules"); path != "" {
		return path
	}
	return cfg.Rules.Path
}

func initScorer() attribution.Scorer {
	if cfg.Attribution.BaseURL == "" {
		return attribution.NewRuleBasedScorer()
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.Attribution.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Attribution.MaxAttempts
	}
	return attribution.NewHTTPScorer(cfg.Attribution.BaseURL,
		attribution.WithRetry(retry),
		attribution.WithRateLimit(cfg.Attribution.RateLimit, cfg.Attribution.RateBurst),
	)
}

func initQueue() review.Queue {
	if cfg.Review.WebhookURL == "" {
		return review.NopQueue{}
	}
	return review.NewWebhookQueue(cfg.Review.WebhookURL)
}

func formatRunResult(out io.Writer, runID string, r *model.RunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", runID)
	_, _ = fmt.Fprintf(w, "Records:\t%d / %d\n", r.RecordsA, r.RecordsB)
	_, _ = fmt.Fprintf(w, "Groups:\t%d\n", r.Groups)
	_, _ = fmt.Fprintf(w, "Matched:\t%d\n", r.Matched)
	_, _ = fmt.Fprintf(w, "STP passed:\t%d\n", r.STPPassed)
	_, _ = fmt.Fprintf(w, "Queued for review:\t%d\n", r.Queued)
	_, _ = fmt.Fprintf(w, "Differences:\t%d\n", r.Differences)
	_, _ = fmt.Fprintf(w, "Orphans:\t%d / %d\n", r.OrphansA, r.OrphansB)
	if len(r.Blocked) > 0 {
		_, _ = fmt.Fprintf(w, "Blocked:\t%d\n", len(r.Blocked))
		for _, b := range r.Blocked {
			_, _ = fmt.Fprintf(w, "  %s\t%s\n", truncateID(b.GroupID), b.Reason)
		}
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
