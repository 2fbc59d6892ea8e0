package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential, queue, and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := buildAgent()
		if err != nil {
			return err
		}
		defer ag.store.Close()
		defer ag.queue.Close(context.Background())

		fmt.Printf("harborlog v%s\n\n", Version)

		if ag.creds.IsAuthenticated() {
			fmt.Printf("Authenticated: yes (%s)\n", ag.creds.Owner())
		} else {
			fmt.Println("Authenticated: no")
		}

		if last := ag.syncer.LastSyncTime(); last.IsZero() {
			fmt.Println("Last sync:     never")
		} else {
			fmt.Printf("Last sync:     %s\n", last.Format("2006-01-02 15:04:05 MST"))
		}
		if pending := ag.syncer.PendingCount(); pending > 0 {
			fmt.Printf("Pending:       %d sessions awaiting upload\n", pending)
		}

		stats := ag.queue.Stats()
		fmt.Printf("Queue depth:   %d\n", stats.QueueDepth)
		fmt.Printf("Events sent:   %d\n", stats.SentCount)
		fmt.Printf("Events lost:   %d\n", stats.FailedCount)
		if !stats.Healthy && stats.LastError != "" {
			fmt.Printf("Last error:    %s\n", stats.LastError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
