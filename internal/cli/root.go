// Package cli implements the smlmstore command-line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/smlmstore/internal/paths"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Exit codes.
const (
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	verbose   bool
}

// app is the state shared by the subcommands of one invocation.
type app struct {
	flags     rootFlags
	configDir string
	config    *viper.Viper
	logger    *slog.Logger
}

// NewRootCmd creates the top-level "smlmstore" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{logger: slog.Default()}
	root := &cobra.Command{
		Use:   "smlmstore",
		Short: "Organize and process single-molecule localization datasets",
		Long: "smlmstore collects SMLM acquisition files into a hierarchical datastore keyed by\n" +
			"their identifiers, and clusters or drift-corrects the stored localizations.",
		Version:           types.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir, or $"+paths.EnvConfigDir+")")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: data_dir in config.yaml, $"+paths.EnvDataDir+", or platform data dir)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "log debug messages")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newBuildCmd(a))
	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newTreeCmd(a))
	root.AddCommand(newGetCmd(a))
	root.AddCommand(newClusterCmd(a))
	root.AddCommand(newDriftCmd(a))

	return root
}

// setup configures logging and loads config.yaml before any subcommand runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if a.flags.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if cmd.Name() == "version" {
		return nil
	}

	dir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	a.configDir = dir
	a.config = cfg
	return nil
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps store and I/O failures to exitSysError and everything else
// to exitUserError.
func exitCode(err error) int {
	var pathErr *os.PathError
	switch {
	case errors.Is(err, types.ErrStorage),
		errors.Is(err, types.ErrLockTimeout),
		errors.Is(err, types.ErrStateSchema),
		errors.As(err, &pathErr):
		return exitSysError
	}
	return exitUserError
}
