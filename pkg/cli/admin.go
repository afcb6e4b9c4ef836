package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(app *App, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema of the database environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(app, g)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if err := s.dbm.Migrate(ctx, g.env); err != nil {
				return err
			}
			version, dirty, err := s.dbm.MigrationVersion(ctx, g.env)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "environment=%s version=%d dirty=%t\n", g.env, version, dirty)
			return nil
		},
	}
}

func newHostIDCommand(app *App, g *globalFlags) *cobra.Command {
	var showPath bool
	cmd := &cobra.Command{
		Use:   "host-id",
		Short: "Print this host's id, generating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(app, g)
			if err != nil {
				return err
			}
			defer s.Close()

			id, path, err := s.hostID(cmd.Context(), g)
			if err != nil {
				return err
			}
			if showPath {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, path)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPath, "path", false, "also print the host id file path")
	return cmd
}
