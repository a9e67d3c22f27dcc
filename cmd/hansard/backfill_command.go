package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"hansard/internal/align"
	"hansard/internal/backfill"
	"hansard/internal/embed"
	"hansard/internal/pipeline"
	"hansard/internal/refine"
	"hansard/internal/runlock"
	"hansard/internal/store"
)

func newBackfillCommand(ctx *commandContext) *cobra.Command {
	var municipality string
	var phase string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run one phase over every stored meeting, resumably",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			municipality = strings.TrimSpace(municipality)
			if municipality == "" {
				return fmt.Errorf("--municipality is required")
			}
			if _, ok := cfg.Municipalities[municipality]; !ok {
				return fmt.Errorf("municipality %q is not configured", municipality)
			}
			logger, err := ctx.newLogger()
			if err != nil {
				return err
			}
			guard := runlock.New(cfg)
			if err := guard.Acquire(); err != nil {
				return err
			}
			defer guard.Release()

			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			process, err := backfillProcess(ctx, st, phase)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := backfill.NewRunner(st, process, logger, backfill.WithBatchSize(batchSize))
			stats, err := runner.Run(runCtx, municipality, phase)
			out := cmd.OutOrStdout()
			if stats.Resumed {
				fmt.Fprintln(out, "Resumed from saved cursor")
			}
			fmt.Fprintf(out, "Processed %d meeting(s), %d failed\n", stats.Processed, stats.Failed)
			return err
		},
	}

	cmd.Flags().StringVarP(&municipality, "municipality", "m", "", "Municipality whose meetings get backfilled")
	cmd.Flags().StringVarP(&phase, "phase", "p", "", "Phase to re-run (refine or embed)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Meetings loaded per page")
	return cmd
}

// backfillProcess maps a phase name to its per-meeting work. Only
// phases whose inputs already live in the store can be backfilled.
func backfillProcess(ctx *commandContext, st *store.Store, phase string) (backfill.ProcessFunc, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := ctx.newLogger()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(phase)) {
	case pipeline.PhaseRefine:
		engine := align.NewEngine(cfg.Alignment, logger)
		refiner := refine.NewRefiner(cfg, st, refine.NewClient(cfg.LLM), engine, logger)
		return refiner.Refine, nil
	case pipeline.PhaseEmbed:
		embedder := embed.NewEmbedder(cfg, st, embed.NewClient(cfg.Embeddings), logger)
		return func(runCtx context.Context, meeting *store.Meeting) error {
			_, err := embedder.EmbedMeeting(runCtx, meeting)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("phase %q cannot be backfilled (use %s or %s)", phase, pipeline.PhaseRefine, pipeline.PhaseEmbed)
	}
}
