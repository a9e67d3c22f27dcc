package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hansard/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var municipality string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state for stored meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			keys, err := ctx.municipalities(municipality)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := isTerminal(out)

			health, err := st.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Meetings: %d total, %d pending, %d processing, %d failed, %d completed\n\n",
				health.Total, health.Pending, health.Processing, health.Failed, health.Completed)

			var rows [][]string
			for _, key := range keys {
				meetings, err := st.ListMeetings(cmd.Context(), key)
				if err != nil {
					return err
				}
				for _, meeting := range meetings {
					rows = append(rows, []string{
						meeting.Municipality,
						meeting.ExternalID,
						meeting.Title,
						formatStatus(meeting, colorize),
						formatScheduled(meeting),
						yesNo(meeting.NeedsReview),
						contentFlags(meeting),
					})
				}
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No meetings stored yet. Run `hansard run` to ingest.")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Municipality", "Meeting", "Title", "Status", "Scheduled", "Review", "Content"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&municipality, "municipality", "m", "", "Limit to a single configured municipality")
	return cmd
}

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func formatStatus(meeting *store.Meeting, colorize bool) string {
	label := string(meeting.Status)
	if !colorize {
		return label
	}
	switch {
	case meeting.Status == store.StatusFailed:
		return ansiRed + label + ansiReset
	case meeting.Status == store.StatusCompleted:
		return ansiGreen + label + ansiReset
	case store.IsProcessingStatus(meeting.Status):
		return ansiYellow + label + ansiReset
	default:
		return label
	}
}

func formatScheduled(meeting *store.Meeting) string {
	if meeting.ScheduledAt == nil {
		return ""
	}
	return meeting.ScheduledAt.Format(time.DateOnly)
}

// contentFlags compacts the has_* columns into a short marker list.
func contentFlags(meeting *store.Meeting) string {
	var flags []string
	if meeting.HasAgenda {
		flags = append(flags, "agenda")
	}
	if meeting.HasMinutes {
		flags = append(flags, "minutes")
	}
	if meeting.HasVideo {
		flags = append(flags, "video")
	}
	if meeting.HasTranscript {
		flags = append(flags, "transcript")
	}
	return strings.Join(flags, ",")
}
