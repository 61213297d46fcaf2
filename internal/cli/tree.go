package cli

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/sqlite"
)

func newTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree [group]",
		Short: "Print the stored hierarchy",
		Long:  "Print the groups and datasets of the store, or only those under group.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			nodes, err := backend.Nodes()
			if err != nil {
				return err
			}
			root := ""
			if len(args) == 1 {
				root = strings.Trim(args[0], "/")
			}

			children := make(map[string][]sqlite.Node)
			found := root == ""
			for _, n := range nodes {
				children[n.Parent] = append(children[n.Parent], n)
				if n.Key == root {
					found = true
				}
			}
			if !found {
				return fmt.Errorf("no group %q in store", root)
			}

			if a.flags.jsonMode {
				var keys []string
				collectTree(children, root, &keys)
				if keys == nil {
					keys = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), keys)
			}
			printTree(cmd.OutOrStdout(), children, root, 0)
			return nil
		},
	}
}

func collectTree(children map[string][]sqlite.Node, parent string, out *[]string) {
	for _, n := range children[parent] {
		*out = append(*out, n.Key)
		collectTree(children, n.Key, out)
	}
}

func printTree(w io.Writer, children map[string][]sqlite.Node, parent string, depth int) {
	for _, n := range children[parent] {
		name := path.Base(n.Key)
		if n.Kind == "group" {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name)
		printTree(w, children, n.Key, depth+1)
	}
}
