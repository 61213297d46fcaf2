package cli

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/parsers"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func newGetCmd(a *app) *cobra.Command {
	var (
		datasetType string
		outPath     string
		rawHeaders  bool
	)

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print or export one stored record",
		Long: "Read the record stored under key. Tables are written as CSV, metadata as JSON\n" +
			"and images as a size summary. Attribute records share their target's key, so\n" +
			"pass --type to read one (for example --type LocMetadata).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			id, err := identifierForKey(backend.Registry(), args[0], datasetType)
			if err != nil {
				return err
			}
			ds, err := backend.Get(id)
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}

			header := types.DefaultFormat()
			if rawHeaders {
				header = nil
			}
			switch data := ds.Data.(type) {
			case *types.Table:
				return writeTable(cmd.OutOrStdout(), outPath, data, header)
			case types.Metadata:
				return writeJSON(cmd.OutOrStdout(), data)
			case *types.Image:
				if a.flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"rows": data.Rows, "cols": data.Cols})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "image %d x %d\n", data.Rows, data.Cols)
				return nil
			default:
				return fmt.Errorf("%w: %s holds unsupported payload %s", types.ErrPayloadKind, args[0], ds.Data.Kind())
			}
		},
	}

	cmd.Flags().StringVar(&datasetType, "type", "", "dataset type of the record (default: the type named by the key)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write tables to this CSV file instead of stdout")
	cmd.Flags().BoolVar(&rawHeaders, "raw-headers", false, "write short column names instead of mapping them back")
	return cmd
}

// writeTable writes t as CSV to outPath, or to w when outPath is empty.
func writeTable(w io.Writer, outPath string, t *types.Table, header *types.FormatMap) error {
	if outPath == "" {
		return parsers.WriteCSV(w, t, header)
	}
	var buf bytes.Buffer
	if err := parsers.WriteCSV(&buf, t, header); err != nil {
		return fmt.Errorf("encode %s: %w", outPath, err)
	}
	if err := writeFileAtomic(outPath, buf.Bytes()); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d row(s) to %s\n", t.Len(), outPath)
	return nil
}
