package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
	"github.com/0x3EF8/Micro-Downloader/internal/tui/utils"
)

// historyCmd lists finished jobs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := history.NewService(database.GetDB())
		ctx := cmd.Context()

		search, _ := cmd.Flags().GetString("search")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		sortBy, _ := cmd.Flags().GetString("sort")
		showStats, _ := cmd.Flags().GetBool("stats")

		if showStats {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Jobs:      %d (%d completed, %d failed, %d canceled)\n", stats.TotalJobs, stats.Completed, stats.Failed, stats.Canceled)
			fmt.Printf("Playlists: %d\n", stats.CollectionJob)
			fmt.Printf("Files:     %d saved, %d failed\n", stats.Files, stats.FailedItems)
			return nil
		}

		records, err := svc.List(ctx, history.FilterOptions{
			State:       downloader.State(state),
			SearchQuery: search,
			Limit:       limit,
			SortBy:      history.SortOrder(sortBy),
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No downloads yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFINISHED\tKIND\tTITLE\tRESULT")
		for _, rec := range records {
			title := rec.Title
			if title == "" {
				title = rec.URL
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(rec.ID),
				humanize.Time(rec.FinishedAt),
				rec.Kind,
				utils.TruncateWithWidth(title, 48),
				rec.Summary,
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the items of one download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := history.NewService(database.GetDB())
		rec, err := findRecord(cmd, svc, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", rec.Title)
		fmt.Printf("URL:      %s\n", rec.URL)
		fmt.Printf("Request:  %s %s -> %s\n", rec.Kind, rec.Quality, rec.DestinationDir)
		fmt.Printf("Result:   %s\n", rec.Summary)
		fmt.Printf("Finished: %s (took %s)\n", rec.FinishedAt.Format(time.DateTime), utils.FormatDuration(rec.FinishedAt.Sub(rec.CreatedAt)))
		if rec.Warnings != "" {
			for _, w := range strings.Split(rec.Warnings, "\n") {
				fmt.Printf("Warning:  %s\n", w)
			}
		}
		fmt.Println()

		for _, c := range rec.Children {
			line := fmt.Sprintf("%3d. [%s] %s", c.ItemIndex+1, c.State, c.Title)
			switch {
			case c.OutputPath != "":
				line += " -> " + c.OutputPath
			case c.ErrorMessage != "":
				line += " (" + c.ErrorKind + ": " + c.ErrorMessage + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete download history",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := history.NewService(database.GetDB())
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		if olderThan > 0 {
			n, err := svc.Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d entries older than %s\n", n, olderThan)
			return nil
		}

		if err := svc.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("History cleared")
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one history entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := history.NewService(database.GetDB())
		rec, err := findRecord(cmd, svc, args[0])
		if err != nil {
			return err
		}
		return svc.Delete(cmd.Context(), rec.ID)
	},
}

// findRecord resolves a full id or a unique prefix of one
func findRecord(cmd *cobra.Command, svc *history.Service, id string) (*database.JobRecord, error) {
	if rec, err := svc.Get(cmd.Context(), id); err == nil {
		return rec, nil
	}

	records, err := svc.List(cmd.Context(), history.FilterOptions{})
	if err != nil {
		return nil, err
	}
	var match string
	for _, rec := range records {
		if strings.HasPrefix(rec.ID, id) {
			if match != "" {
				return nil, fmt.Errorf("id prefix %q is ambiguous", id)
			}
			match = rec.ID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return svc.Get(cmd.Context(), match)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().StringP("search", "s", "", "fuzzy search titles and links")
	historyCmd.Flags().String("state", "", "only show completed, failed or canceled jobs")
	historyCmd.Flags().IntP("limit", "n", 20, "number of entries to show (0 for all)")
	historyCmd.Flags().String("sort", string(history.SortRecentFirst), "recent_first, oldest_first, title_asc or title_desc")
	historyCmd.Flags().Bool("stats", false, "show totals instead of entries")

	historyClearCmd.Flags().Duration("older-than", 0, "only remove entries finished before this long ago, e.g. 720h")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}
