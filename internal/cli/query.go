package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func newQueryCmd(a *app) *cobra.Command {
	var filterArgs []string

	cmd := &cobra.Command{
		Use:   "query <datasetType>",
		Short: "List identifiers of one dataset type",
		Long: "List the stored identifiers of datasetType whose fields match every filter.\n" +
			"A filter value of None matches records that lack the field.",
		Example: "  smlmstore query Localizations --filter prefix=Cos7 --filter channelID=A647\n" +
			"  smlmstore query Localizations --filter 'posID=[1,2]'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseFilters(filterArgs)
			if err != nil {
				return err
			}

			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			ids, err := backend.Query(args[0], filters)
			if err != nil {
				return fmt.Errorf("query %s: %w", args[0], err)
			}
			return writeIdentifiers(cmd, a.flags.jsonMode, ids)
		},
	}

	cmd.Flags().StringArrayVar(&filterArgs, "filter", nil, "field=value filter (repeatable)")
	return cmd
}

func writeIdentifiers(cmd *cobra.Command, jsonMode bool, ids []types.Identifier) error {
	out := cmd.OutOrStdout()
	if jsonMode {
		fields := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			f := id.Fields()
			f["key"] = identifierRow(id)[0]
			fields = append(fields, f)
		}
		return writeJSON(out, fields)
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no matching records")
		return nil
	}
	rows := make([][]string, len(ids))
	for i, id := range ids {
		rows[i] = identifierRow(id)
	}
	renderTable(out, identifierHeader, rows)
	return nil
}
