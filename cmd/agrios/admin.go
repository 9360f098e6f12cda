package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/agrios/offline/internal/models"
	"github.com/agrios/offline/internal/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "admin",
		Short:   "Show store and sync state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			ctx := cmd.Context()

			pending, err := a.store.PendingCount(ctx)
			if err != nil {
				return err
			}
			cursor, err := a.store.LastPulledAt(ctx)
			if err != nil {
				return err
			}

			pulled := "never"
			if cursor > 0 {
				pulled = fmt.Sprintf("%d (%s)", cursor, humanize.Time(time.UnixMilli(cursor)))
			}
			server := "not configured"
			if a.cfg.SyncEnabled() {
				server = a.cfg.Sync.BaseURL
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Database:\t%s\n", a.store.Path())
			fmt.Fprintf(tw, "Schema version:\t%d\n", a.store.Schema().Version)
			fmt.Fprintf(tw, "Sync server:\t%s\n", server)
			fmt.Fprintf(tw, "Last pulled at:\t%s\n", pulled)
			fmt.Fprintf(tw, "Pending changes:\t%d\n", pending)
			return tw.Flush()
		},
	}
}

func newConflictsCmd(a *app) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "admin",
		Short:   "List pulls that met pending local edits",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			conflicts, err := models.ListConflicts(cmd.Context(), a.store, limit)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conflicts recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DETECTED\tTABLE\tRECORD\tLOCAL\tRESOLUTION")
			for _, c := range conflicts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(c.DetectedAtTime()), c.Table, c.RecordID, c.LocalStatus, c.Resolution)
			}
			return tw.Flush()
		},
	}
	conflictsCmd.Flags().IntP("limit", "n", 20, "Maximum number of conflicts to show")
	return conflictsCmd
}

func newIntegrityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "integrity",
		GroupID: "admin",
		Short:   "Report logs whose farmer no longer exists",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			orphans, err := models.CheckIntegrity(cmd.Context(), a.store, telemetry.NewLogSink(nil))
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No orphaned logs.")
				return nil
			}
			for _, o := range orphans {
				fmt.Fprintf(cmd.OutOrStdout(), "log %s references missing farmer %s\n", o.LogID, o.FarmerID)
			}
			return fmt.Errorf("%d orphaned log(s): %w", len(orphans), orphans[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agrios v%s\n", Version)
		},
	}
}
