package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

const modulePath = "github.com/mesh-intelligence/smlmstore"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the smlmstore version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "smlmstore v%s\nmodule: %s\n", types.Version, modulePath)
			return nil
		},
	}
}
