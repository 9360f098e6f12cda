package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/models"
	"github.com/spf13/cobra"
)

func newLogCmd(a *app) *cobra.Command {
	logCmd := &cobra.Command{
		Use:     "log",
		GroupID: "data",
		Short:   "Manage field logs",
	}

	types := make([]string, 0, len(models.LogTypes()))
	for _, t := range models.LogTypes() {
		types = append(types, string(t))
	}

	addCmd := &cobra.Command{
		Use:   "add <farmer-id> <content>",
		Short: "Record a field log for a farmer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			logType, _ := cmd.Flags().GetString("type")
			l := &models.Log{FarmerID: args[0], Content: args[1], Type: models.LogType(logType)}

			var created *models.Log
			err := a.store.WithWriter(cmd.Context(), func(w *db.Writer) error {
				var err error
				created, err = models.CreateLog(w, l)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	addCmd.Flags().StringP("type", "t", string(models.LogNote), "Log type ("+strings.Join(types, ", ")+")")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List field logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}

			var (
				logs []*models.Log
				err  error
			)
			if farmerID, _ := cmd.Flags().GetString("farmer"); farmerID != "" {
				logs, err = models.LogsForFarmer(cmd.Context(), a.store, farmerID)
			} else {
				logs, err = models.ListLogs(cmd.Context(), a.store)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFARMER\tTYPE\tSYNCED\tCONTENT")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", l.ID, l.FarmerID, l.Type, l.IsSynced, l.Content)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringP("farmer", "f", "", "Only logs of this farmer")

	logCmd.AddCommand(addCmd, listCmd)
	return logCmd
}
