package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conforma/fieldsync/internal/schema"
	"github.com/conforma/fieldsync/internal/store"
	syncpkg "github.com/conforma/fieldsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending mutation queue against the server",
	Long: `Replay all pending offline mutations against the audit server.

The drain processes items in dependency order: an audit is created on
the server before its answers and photos attach, and finalization goes
last. Failures on one audit never block other audits; failed items stay
failed until 'fieldsync queue retry'.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client, err := newClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		orch := syncpkg.New(st, client, nil, nil)

		start := time.Now()
		result, err := orch.Run(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s in %v\n", result.Summary(), elapsed.Round(time.Millisecond))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local queue and cache status",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()

		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		failed, err := st.FailedCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		blobs, _ := st.BlobCount(ctx)
		audits, _ := st.CacheCount(ctx, store.ScopeAudits)
		templates, _ := st.CacheCount(ctx, store.ScopeTemplates)

		fmt.Printf("\nfieldsync status\n\n")
		fmt.Printf("Store: %s\n", st.Path())
		if client, err := newClient(); err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if client.Ping(pingCtx) == nil {
				fmt.Printf("Server: online\n")
			} else {
				fmt.Printf("Server: offline\n")
			}
			cancel()
		}
		fmt.Printf("Pending mutations: %d\n", pending)
		fmt.Printf("Failed mutations: %d\n", failed)
		fmt.Printf("Stored photo blobs: %d\n", blobs)
		fmt.Printf("Cached audits: %d\n", audits)
		fmt.Printf("Cached templates: %d\n", templates)
		fmt.Println()
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()
		statusFilter, _ := cmd.Flags().GetString("status")

		var items []*schema.QueueItem
		if statusFilter == "" || statusFilter == string(schema.StatusPending) {
			items, err = st.ListPendingOrdered(ctx)
		} else {
			items, err = st.ListByStatus(ctx, schema.Status(statusFilter))
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(items) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		for _, item := range items {
			line := fmt.Sprintf("%s  %-15s rank=%d group=%s status=%s",
				item.CreatedAt.Format("2006-01-02 15:04:05"),
				item.Kind, item.Rank, item.GroupID, item.Status)
			if item.Error != "" {
				line += fmt.Sprintf("  error=%q", item.Error)
			}
			fmt.Println(line)
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue failed mutations for the next sync run",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		n, err := st.RetryFailed(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Re-queued %d failed mutation(s)\n", n)
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by status (pending, in_flight, done, failed)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}
