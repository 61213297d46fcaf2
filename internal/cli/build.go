package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/smlmstore/internal/parsers"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

type buildRecordJSON struct {
	Key         string `json:"key"`
	DatasetType string `json:"datasetType"`
	Path        string `json:"path"`
}

type buildFailureJSON struct {
	Path        string `json:"path"`
	DatasetType string `json:"datasetType"`
	Error       string `json:"error"`
}

type buildSummaryJSON struct {
	DryRun   bool               `json:"dryRun"`
	Records  []buildRecordJSON  `json:"records"`
	Failures []buildFailureJSON `json:"failures"`
}

func newBuildCmd(a *app) *cobra.Command {
	var (
		dryRun     bool
		rawHeaders bool
	)

	cmd := &cobra.Command{
		Use:   "build <dir>",
		Short: "Ingest every matching file under a directory",
		Long: "Walk dir and store every file whose name matches the filename string of a\n" +
			"dataset type. Files that cannot be parsed or read are reported and skipped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			opts := types.BuildOptions{DryRun: dryRun}
			if !rawHeaders {
				opts.ReaderOptions.Header = types.DefaultFormat()
			}
			parser := parsers.NewSimpleParser(backend.Registry(), nil)
			fs := filenameStrings(a.config)

			var summary *types.BuildSummary
			if dryRun {
				summary, err = backend.Build(cmd.Context(), parser, args[0], fs, opts)
			} else {
				err = backend.Update(cmd.Context(), func(types.Datastore) error {
					var buildErr error
					summary, buildErr = backend.Build(cmd.Context(), parser, args[0], fs, opts)
					return buildErr
				})
			}
			if err != nil {
				return fmt.Errorf("build %s: %w", args[0], err)
			}
			return writeBuildSummary(cmd, a.flags.jsonMode, summary)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and read files without writing them")
	cmd.Flags().BoolVar(&rawHeaders, "raw-headers", false, "keep CSV headers as written instead of mapping them to short names")
	return cmd
}

func writeBuildSummary(cmd *cobra.Command, jsonMode bool, s *types.BuildSummary) error {
	out := cmd.OutOrStdout()
	if jsonMode {
		js := buildSummaryJSON{
			DryRun:   s.DryRun,
			Records:  make([]buildRecordJSON, 0, len(s.Records)),
			Failures: make([]buildFailureJSON, 0, len(s.Failures)),
		}
		for _, r := range s.Records {
			js.Records = append(js.Records, buildRecordJSON{Key: identifierRow(r.ID)[0], DatasetType: r.ID.DatasetType, Path: r.Path})
		}
		for _, f := range s.Failures {
			js.Failures = append(js.Failures, buildFailureJSON{Path: f.Path, DatasetType: f.DatasetType, Error: f.Err.Error()})
		}
		return writeJSON(out, js)
	}

	verb := "stored"
	if s.DryRun {
		verb = "would store"
	}
	rows := make([][]string, 0, len(s.Records))
	for _, r := range s.Records {
		rows = append(rows, []string{identifierRow(r.ID)[0], r.ID.DatasetType, r.Path})
	}
	if len(rows) > 0 {
		renderTable(out, []string{"key", "datasetType", "path"}, rows)
	}
	fmt.Fprintf(out, "%s %d record(s)\n", verb, len(s.Records))

	if len(s.Failures) > 0 {
		rows = rows[:0]
		for _, f := range s.Failures {
			rows = append(rows, []string{f.Path, f.DatasetType, f.Err.Error()})
		}
		fmt.Fprintf(out, "skipped %d file(s)\n", len(s.Failures))
		renderTable(out, []string{"path", "datasetType", "error"}, rows)
	}
	return nil
}
