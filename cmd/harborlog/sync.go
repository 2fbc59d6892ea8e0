package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := buildAgent()
		if err != nil {
			return err
		}
		defer ag.store.Close()
		defer ag.queue.Close(context.Background())

		res := ag.syncer.Sync(cmd.Context(), syncForce)

		fmt.Printf("Uploaded:   %d\n", res.Uploaded)
		fmt.Printf("Downloaded: %d\n", res.Downloaded)
		fmt.Printf("Conflicts:  %d\n", res.Conflicts)
		for _, e := range res.Errors {
			fmt.Printf("Error: %s\n", e)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "Re-upload every session with a local copy")
	rootCmd.AddCommand(syncCmd)
}
