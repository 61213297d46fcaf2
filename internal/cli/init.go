package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/paths"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration and an empty datastore",
		Long: "Create the configuration directory with a default config.yaml, then create the\n" +
			"datastore file in the data directory. Existing files are kept.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := paths.ResolveDataDir(a.flags.dataDir, a.config.GetString(cfgKeyDataDir))
			if err != nil {
				return fmt.Errorf("resolve data dir: %w", err)
			}
			if err := paths.EnsureDir(dataDir); err != nil {
				return err
			}

			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			path := backend.Path()
			last := backend.LastWrite()
			if err := backend.Detach(); err != nil {
				return fmt.Errorf("finalize datastore: %w", err)
			}

			if a.flags.jsonMode {
				out := map[string]string{
					"config": paths.ConfigFile(a.configDir),
					"store":  path,
				}
				if last.Session != "" {
					out["lastSession"] = last.Session
					out["lastWrite"] = last.UpdatedAt.Format(time.RFC3339)
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "smlmstore initialized\nconfig: %s\nstore:  %s\n", paths.ConfigFile(a.configDir), path)
			if last.Session != "" {
				fmt.Fprintf(w, "last write: session %s at %s\n", last.Session, last.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
