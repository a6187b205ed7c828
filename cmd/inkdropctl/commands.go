package main

import (
	"fmt"
	"strconv"
	"time"

	"inkdrop/internal/database"
	"inkdrop/internal/ingest"
	"inkdrop/pkg/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show download counters for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			return ctx.withStore(func(_ *ctlConfig, db *database.DB) error {
				stats, err := db.RefreshUserStats(cmd.Context(), user)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStats(stats))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username to report on")
	return cmd
}

func renderStats(stats *models.UserStats) string {
	last := "never"
	if stats.LastDownloadAt != nil {
		last = humanize.Time(*stats.LastDownloadAt)
	}
	rows := [][]string{
		{"Total", strconv.FormatInt(stats.TotalDownloads, 10)},
		{"Completed", strconv.FormatInt(stats.SuccessfulDownloads, 10)},
		{"Failed", strconv.FormatInt(stats.FailedDownloads, 10)},
		{"Cancelled", strconv.FormatInt(stats.CancelledDownloads, 10)},
		{"Downloaded", humanize.Bytes(uint64(max(stats.TotalSizeBytes, 0)))},
		{"Time spent", (time.Duration(stats.TotalDownloadTime) * time.Second).String()},
		{"Last download", last},
	}
	return renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		user   string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's download history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			filter := models.DownloadStatus(status)
			if filter != "" && !filter.IsValid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return ctx.withStore(func(_ *ctlConfig, db *database.DB) error {
				records, err := db.GetUserDownloads(cmd.Context(), user, filter, limit, 0)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No downloads recorded")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderHistory(records))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username to list")
	cmd.Flags().StringVar(&status, "status", "", "Only show records with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	return cmd
}

func renderHistory(records []*models.DownloadRecord) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		size := "-"
		if r.FileSize != nil {
			size = humanize.Bytes(uint64(max(*r.FileSize, 0)))
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.BookID,
			r.BookTitle,
			string(r.Status),
			size,
			humanize.Time(r.QueuedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Book", "Title", "Status", "Size", "Queued"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished records older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return ctx.withStore(func(_ *ctlConfig, db *database.DB) error {
				deleted, err := db.CleanupOldRecords(cmd.Context(), days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records older than %d days\n", deleted, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "Age in days of the records to delete")
	return cmd
}

func newClearHistoryCommand(ctx *commandContext) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "clear-history",
		Short: "Delete every record of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			return ctx.withStore(func(_ *ctlConfig, db *database.DB) error {
				deleted, err := db.ClearUserDownloadHistory(cmd.Context(), user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records for %s\n", deleted, user)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username whose history is cleared")
	return cmd
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Cancel records left active by a crashed server and remove partial files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *ctlConfig, db *database.DB) error {
				cancelled, err := db.CleanupPhantomDownloadsOnStartup(cmd.Context())
				if err != nil {
					return err
				}

				removed, err := ingest.NewService(cfg.IngestDir, cfg.TempDir).CleanupPartials(0)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d records, removed %d partial files\n", cancelled, removed)
				return nil
			})
		},
	}
}
