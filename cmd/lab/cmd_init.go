package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/config"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	var writeConfig string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the database",
		Long: `Create the database (and its directory) if needed and apply the schema.
Running init again is harmless. With --write-config a YAML file holding
the default settings is written first and used for this run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if writeConfig != "" {
				cfg := config.Default()
				if opts.DB != "" {
					cfg.Database.Path = opts.DB
				}
				if err := cfg.WriteFile(writeConfig); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", writeConfig)
				if opts.Config == "" {
					opts.Config = writeConfig
				}
			}
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				projects, err := a.enroll.ListProjects(ctx)
				if err != nil {
					return err
				}
				resources, err := a.res.ListResources(ctx)
				if err != nil {
					return err
				}
				result := map[string]any{
					"db":        a.cfg.Database.Path,
					"projects":  len(projects),
					"resources": len(resources),
				}
				a.show(result, func(w io.Writer) {
					fmt.Fprintf(w, "initialized labcoord (db: %s)\n", a.cfg.Database.Path)
					if len(projects) > 0 || len(resources) > 0 {
						fmt.Fprintf(w, "  %d existing project(s), %d resource(s)\n", len(projects), len(resources))
					}
					fmt.Fprintln(w)
					fmt.Fprintln(w, "next steps:")
					if a.actorID == "" {
						fmt.Fprintf(w, "  export %s=<your-id>\n", config.EnvActor)
						fmt.Fprintf(w, "  export %s=<student|faculty|admin>\n", config.EnvRole)
					} else {
						fmt.Fprintf(w, "  acting as %s (%s)\n", a.actorID, a.role)
					}
					fmt.Fprintln(w, "  lab project list    # browse projects")
					fmt.Fprintln(w, "  lab inbox           # read notifications")
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "write a default config file to this path first")
	return cmd
}
