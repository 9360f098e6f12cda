package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// run executes args against a fresh command tree and closes the session
// afterwards, whether or not the command succeeded.
func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	a := &app{}
	defer a.Close()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agrios",
		Short: "Agri-OS offline store and sync client",
		Long: `agrios manages the local Agri-OS store on this device.

Farmers and field logs are written locally first and pushed to the sync
server when it is reachable. Pulled server changes win over pending local
edits; every overwrite is recorded and can be listed with "agrios conflicts".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	rootCmd.AddCommand(
		newFarmerCmd(a),
		newLogCmd(a),
		newSyncCmd(a),
		newDaemonCmd(a),
		newStatusCmd(a),
		newConflictsCmd(a),
		newIntegrityCmd(a),
		newSecretsCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}
