package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued telemetry events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := buildAgent()
		if err != nil {
			return err
		}
		defer ag.store.Close()
		defer ag.queue.Close(context.Background())

		sent, failed := ag.queue.Flush(cmd.Context())

		fmt.Printf("Sent:      %d\n", sent)
		fmt.Printf("Failed:    %d\n", failed)
		fmt.Printf("Remaining: %d\n", ag.queue.Depth())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}
