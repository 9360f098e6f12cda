package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/models"
	"github.com/spf13/cobra"
)

func newFarmerCmd(a *app) *cobra.Command {
	farmerCmd := &cobra.Command{
		Use:     "farmer",
		GroupID: "data",
		Short:   "Manage farmers",
	}

	addCmd := &cobra.Command{
		Use:   "add <name> <phone>",
		Short: "Create a farmer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			f := &models.Farmer{Name: args[0], Phone: args[1]}
			if loc, _ := cmd.Flags().GetString("location"); loc != "" {
				f.Location = &loc
			}

			var created *models.Farmer
			err := a.store.WithWriter(cmd.Context(), func(w *db.Writer) error {
				var err error
				created, err = models.CreateFarmer(w, f)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	addCmd.Flags().StringP("location", "l", "", "Farm location")

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a farmer's name, phone or location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return a.store.WithWriter(cmd.Context(), func(w *db.Writer) error {
				rec, err := w.Find(models.Farmer{}.TableName(), args[0])
				if err != nil {
					return err
				}
				f := models.FarmerFromRecord(rec)
				if cmd.Flags().Changed("name") {
					f.Name, _ = cmd.Flags().GetString("name")
				}
				if cmd.Flags().Changed("phone") {
					f.Phone, _ = cmd.Flags().GetString("phone")
				}
				if cmd.Flags().Changed("location") {
					loc, _ := cmd.Flags().GetString("location")
					f.Location = &loc
				}
				_, err = models.UpdateFarmer(w, f)
				return err
			})
		},
	}
	updateCmd.Flags().String("name", "", "New name")
	updateCmd.Flags().String("phone", "", "New phone number")
	updateCmd.Flags().StringP("location", "l", "", "New farm location")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List farmers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			farmers, err := models.ListFarmers(cmd.Context(), a.store)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPHONE\tLOCATION\tPENDING")
			for _, f := range farmers {
				loc := "-"
				if f.Location != nil {
					loc = *f.Location
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", f.ID, f.Name, f.Phone, loc, f.Pending)
			}
			return tw.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a farmer",
		Long: `Delete a farmer. The row is kept as a tombstone until the deletion has
been pushed, so its logs keep resolving until then.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			return a.store.WithWriter(cmd.Context(), func(w *db.Writer) error {
				return models.DeleteFarmer(w, args[0])
			})
		},
	}

	farmerCmd.AddCommand(addCmd, updateCmd, listCmd, deleteCmd)
	return farmerCmd
}
