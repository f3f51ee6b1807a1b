package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stories, orphans, and the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== storymill status ==="))

		last, err := store.GetLastRun(ctx)
		if err != nil {
			return fmt.Errorf("get last run: %w", err)
		}
		if last == nil {
			fmt.Printf("%s\n\n", gray("No runs recorded yet"))
		} else {
			fmt.Printf("%s\n", yellow("Last run:"))
			fmt.Printf("  %s at %s\n", last.RunID, last.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  %d conversations, %d groups, %d stories created, %d updated\n",
				last.ConversationsProcessed, last.GroupsFormed, last.StoriesCreated, last.StoriesUpdated)
			if last.ReviewErrors > 0 || last.OrphanFallbacks > 0 || last.InvariantViolations > 0 {
				fmt.Printf("  review errors %d, orphan fallbacks %d, invariant violations %d\n",
					last.ReviewErrors, last.OrphanFallbacks, last.InvariantViolations)
			}
			fmt.Println()
		}

		stories, err := store.ListStories(ctx)
		if err != nil {
			return fmt.Errorf("list stories: %w", err)
		}
		fmt.Printf("%s\n", yellow(fmt.Sprintf("Stories (%d):", len(stories))))
		if len(stories) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		} else {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Signature", "Conversations", "Confidence", "Updated"})
			for _, s := range stories {
				t.AppendRow(table.Row{
					s.Signature,
					len(s.Evidence.ConversationIDs),
					fmt.Sprintf("%.1f", s.ConfidenceScore),
					s.UpdatedAt.Format("2006-01-02"),
				})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
		}
		fmt.Println()

		orphans, err := store.ListOrphans(ctx)
		if err != nil {
			return fmt.Errorf("list orphans: %w", err)
		}
		fmt.Printf("%s\n", yellow(fmt.Sprintf("Orphans (%d):", len(orphans))))
		if len(orphans) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		} else {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Signature", "Conversations", "Fallbacks", "Last reason"})
			for _, o := range orphans {
				t.AppendRow(table.Row{o.Signature, len(o.ConversationIDs), o.FallbackCount, o.LastReason})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
		}
		fmt.Println()
		return nil
	},
}
