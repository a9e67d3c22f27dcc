package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hansard/internal/notifications"
	"hansard/internal/pipeline"
	"hansard/internal/runlock"
	"hansard/internal/scraper"
	"hansard/internal/updates"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var municipality string
	var checkUpdates bool
	var updateMode bool
	var forcePhases []string
	var skipPhases []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Detect changes and process meetings through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := validatePhaseNames(forcePhases); err != nil {
				return err
			}
			if err := validatePhaseNames(skipPhases); err != nil {
				return err
			}
			keys, err := ctx.municipalities(municipality)
			if err != nil {
				return err
			}
			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}
			// The lock is taken before the store is opened so a
			// concurrent invocation exits without touching the
			// database at all. Dry-run detection stays lock-free.
			if !checkUpdates {
				guard := runlock.New(cfg)
				if err := guard.Acquire(); err != nil {
					return err
				}
				defer guard.Release()
			}

			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []pipeline.Option{
				pipeline.WithForcedPhases(forcePhases...),
				pipeline.WithSkippedPhases(skipPhases...),
			}
			if updateMode {
				opts = append(opts, pipeline.WithUpdateOnly())
			}
			orch := pipeline.New(cfg, st, scraper.NewRegistry(), notifications.NewService(cfg), logger, opts...)
			out := cmd.OutOrStdout()

			if checkUpdates {
				for _, key := range keys {
					report, err := orch.CheckUpdates(runCtx, key)
					if err != nil {
						return err
					}
					printChangeReport(out, report)
				}
				return nil
			}

			for _, key := range keys {
				summary, err := orch.Run(runCtx, key)
				printSummary(out, summary)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&municipality, "municipality", "m", "", "Process a single configured municipality")
	cmd.Flags().BoolVar(&checkUpdates, "check-updates", false, "Report detected changes without processing anything")
	cmd.Flags().BoolVar(&updateMode, "update-mode", false, "Process only meetings with detected source changes")
	cmd.Flags().StringArrayVar(&forcePhases, "force-phase", nil, "Phase to re-run even when its inputs are unchanged (repeatable)")
	cmd.Flags().StringArrayVar(&skipPhases, "skip-phase", nil, "Phase to skip this run (repeatable)")
	return cmd
}

func validatePhaseNames(names []string) error {
	known := map[string]struct{}{}
	for _, name := range pipeline.PhaseNames() {
		known[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := known[strings.ToLower(strings.TrimSpace(name))]; !ok {
			return fmt.Errorf("unknown phase %q (valid: %s)", name, strings.Join(pipeline.PhaseNames(), ", "))
		}
	}
	return nil
}

func printChangeReport(out io.Writer, report updates.ChangeReport) {
	if report.Empty() {
		fmt.Fprintf(out, "%s: no changes\n", report.Municipality)
		return
	}
	fmt.Fprintf(out, "%s: %d changed meeting(s)\n", report.Municipality, len(report.Changes))
	rows := make([][]string, 0, len(report.Changes))
	for _, change := range report.Changes {
		kinds := make([]string, 0, len(change.NewDocuments)+1)
		for _, ref := range change.NewDocuments {
			kinds = append(kinds, ref.Kind)
		}
		if change.NewVideo {
			kinds = append(kinds, "video")
		}
		state := "new"
		if change.Meeting != nil {
			state = string(change.Meeting.Status)
		}
		rows = append(rows, []string{
			change.Listing.ExternalID,
			change.Listing.Title,
			state,
			strings.Join(kinds, ", "),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Meeting", "Title", "State", "New content"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	))
}

func printSummary(out io.Writer, summary pipeline.Summary) {
	if summary.SourceError != "" {
		fmt.Fprintf(out, "%s: source unreachable, skipped (%s)\n",
			summary.Municipality, summary.SourceError)
		return
	}
	fmt.Fprintf(out, "%s: %d detected, %d resumed, %d completed, %d failed (%s)\n",
		summary.Municipality, summary.Detected, summary.Resumed,
		summary.Completed, summary.Failed, summary.Duration.Round(time.Millisecond))
	if len(summary.Outcomes) == 0 {
		return
	}
	rows := make([][]string, 0, len(summary.Outcomes))
	for _, outcome := range summary.Outcomes {
		rows = append(rows, []string{
			outcome.ExternalID,
			outcome.Title,
			string(outcome.Status),
			yesNo(outcome.NeedsReview),
			strings.Join(outcome.PhasesRun, ","),
			outcome.Error,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Meeting", "Title", "Status", "Review", "Phases", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	))
}
