package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/smlmstore/internal/drift"
	"github.com/mesh-intelligence/smlmstore/internal/parsers"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// env is one configuration and data directory shared by several commands.
type env struct {
	configDir string
	dataDir   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	return env{configDir: t.TempDir(), dataDir: t.TempDir()}
}

// run executes one smlmstore command line and returns its stdout.
func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func (e env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "smlmstore %s", strings.Join(args, " "))
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// acquisitionDir writes one localization file with its metadata.
func acquisitionDir(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Cos7_1.csv"), "x [nm],y [nm],frame\n1,2,0\n3,4,1\n")
	writeFile(t, filepath.Join(src, "Cos7_1.json"), `{"Camera": "Andor"}`)
	return src
}

func TestVersion(t *testing.T) {
	out := newEnv(t).mustRun(t, "version")
	assert.Equal(t, "smlmstore v"+types.Version+"\nmodule: "+modulePath+"\n", out)
}

func TestInitCreatesConfigAndStore(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "init")
	assert.Contains(t, out, "smlmstore initialized")

	assert.FileExists(t, filepath.Join(e.configDir, "config.yaml"))
	assert.FileExists(t, filepath.Join(e.dataDir, types.DefaultStoreName))

	data, err := os.ReadFile(filepath.Join(e.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# smlmstore configuration\n"))
	assert.Contains(t, string(data), "smoothing_window_size: 600")
}

func TestInitReportsLastWriter(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "init")
	assert.NotContains(t, out, "last write:")

	e.mustRun(t, "build", acquisitionDir(t))

	out = e.mustRun(t, "init")
	assert.Contains(t, out, "last write: session ")

	out = e.mustRun(t, "--json", "init")
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got["lastSession"])
	assert.NotEmpty(t, got["lastWrite"])
}

func TestBuildQueryGet(t *testing.T) {
	e := newEnv(t)
	src := acquisitionDir(t)

	out := e.mustRun(t, "build", src)
	assert.Contains(t, out, "stored 2 record(s)")

	out = e.mustRun(t, "--json", "query", types.TypeLocalizations, "--filter", "prefix=Cos7")
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Cos7/Cos7_1/Localizations", got[0]["key"])
	assert.Nil(t, got[0]["channelID"])

	out = e.mustRun(t, "query", types.TypeLocalizations, "--filter", "channelID=A647")
	assert.Equal(t, "no matching records\n", out)

	out = e.mustRun(t, "get", "Cos7/Cos7_1/Localizations")
	assert.Equal(t, "x [nm],y [nm],frame\n1,2,0\n3,4,1\n", out)

	out = e.mustRun(t, "get", "Cos7/Cos7_1/Localizations", "--type", types.TypeLocMetadata)
	var md map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &md))
	assert.Equal(t, "Andor", md["Camera"])

	dst := filepath.Join(t.TempDir(), "out.csv")
	e.mustRun(t, "get", "Cos7/Cos7_1/Localizations", "--raw-headers", "--out", dst)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "x,y,frame\n1,2,0\n3,4,1\n", string(data))

	out = e.mustRun(t, "list")
	assert.Contains(t, out, "Cos7/Cos7_1/Localizations")
	assert.Contains(t, out, types.TypeLocMetadata)
}

func TestBuildDryRunStoresNothing(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun(t, "build", "--dry-run", acquisitionDir(t))
	assert.Contains(t, out, "would store 2 record(s)")

	out = e.mustRun(t, "--json", "list")
	assert.JSONEq(t, "[]", out)
}

func TestBuildReportsSkippedFiles(t *testing.T) {
	e := newEnv(t)
	src := acquisitionDir(t)
	writeFile(t, filepath.Join(src, "notes.csv"), "x,y\n1,2\n")

	out := e.mustRun(t, "--json", "build", src)
	var summary buildSummaryJSON
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Len(t, summary.Records, 2)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, filepath.Join(src, "notes.csv"), summary.Failures[0].Path)
}

func TestTree(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "build", acquisitionDir(t))

	out := e.mustRun(t, "tree")
	assert.Equal(t, "Cos7/\n  Cos7_1/\n    Localizations\n", out)

	out = e.mustRun(t, "--json", "tree", "Cos7")
	assert.JSONEq(t, `["Cos7/Cos7_1", "Cos7/Cos7_1/Localizations"]`, out)

	_, err := e.run(t, "tree", "HeLa")
	require.Error(t, err)
}

func TestGetUnknownKey(t *testing.T) {
	e := newEnv(t)
	e.mustRun(t, "init")

	_, err := e.run(t, "get", "Cos7/Cos7_9/Localizations")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = e.run(t, "get", "not-a-key")
	require.ErrorIs(t, err, types.ErrKeyFormat)
}

func TestCluster(t *testing.T) {
	e := newEnv(t)
	src := t.TempDir()
	var b strings.Builder
	b.WriteString("x [nm],y [nm],frame\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "%d,%d,%d\n", i%3, i/3, i)
		fmt.Fprintf(&b, "%d,%d,%d\n", 100+i%3, 100+i/3, i)
	}
	b.WriteString("500,500,0\n")
	writeFile(t, filepath.Join(src, "HeLa_3.csv"), b.String())
	e.mustRun(t, "build", src)

	out := e.mustRun(t, "cluster", "HeLa/HeLa_3/Localizations", "--eps", "5", "--min-samples", "3")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "cluster_id,x_center,y_center,number_of_localizations"))
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.Contains(t, lines[1], ",10,")

	out = e.mustRun(t, "cluster", "HeLa/HeLa_3/Localizations", "--eps", "5", "--min-samples", "3", "--labels")
	tbl, err := parsers.DecodeCSV(strings.NewReader(out), types.ReaderOptions{Header: types.DefaultFormat()})
	require.NoError(t, err)
	labels, err := tbl.Column("cluster_id")
	require.NoError(t, err)
	assert.Equal(t, -1.0, labels[len(labels)-1])
}

// driftDir writes a localization file with one fiducial near (1000, 1000)
// and one sample near (3000, 3000), both drifting 0.2 nm per frame in x.
func driftDir(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	var b strings.Builder
	b.WriteString("x [nm],y [nm],frame\n")
	for f := 0; f < 200; f++ {
		d := 0.2 * float64(f)
		fmt.Fprintf(&b, "%g,%g,%d\n", 1000+d, 1000.0, f)
		fmt.Fprintf(&b, "%g,%g,%d\n", 3000+d, 3000.0, f)
	}
	writeFile(t, filepath.Join(src, "Cos7_1.csv"), b.String())
	return src
}

func driftEnv(t *testing.T) env {
	t.Helper()
	e := newEnv(t)
	writeFile(t, filepath.Join(e.configDir, "config.yaml"),
		"drift:\n  smoothing_window_size: 20\n  smoothing_filter_size: 10\n  zero_frame: 0\n")
	e.mustRun(t, "build", driftDir(t))
	return e
}

func TestDriftCorrects(t *testing.T) {
	e := driftEnv(t)

	out := e.mustRun(t, "drift", "Cos7/Cos7_1/Localizations", "--region", "900,1100,900,1100", "--save")
	tbl, err := parsers.DecodeCSV(strings.NewReader(out), types.ReaderOptions{Header: types.DefaultFormat()})
	require.NoError(t, err)
	require.Equal(t, 200, tbl.Len())

	xs, err := tbl.Column("x")
	require.NoError(t, err)
	dxs, err := tbl.Column("dx")
	require.NoError(t, err)
	for i := range xs {
		assert.InDelta(t, 3000.0, xs[i], 0.5, "row %d", i)
		assert.InDelta(t, 0.2*float64(i), dxs[i], 0.5, "row %d", i)
	}

	out = e.mustRun(t, "--json", "query", types.TypeAverageFiducial)
	var avg []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &avg))
	require.Len(t, avg, 1)
	assert.Equal(t, "Cos7/Cos7_1/AverageFiducial", avg[0]["key"])

	out = e.mustRun(t, "--json", "query", types.TypeFiducialTracks)
	require.NoError(t, json.Unmarshal([]byte(out), &avg))
	require.Len(t, avg, 1)

	out = e.mustRun(t, "drift", "Cos7/Cos7_1/Localizations", "--trajectory", "Cos7/Cos7_1/AverageFiducial")
	tbl, err = parsers.DecodeCSV(strings.NewReader(out), types.ReaderOptions{Header: types.DefaultFormat()})
	require.NoError(t, err)
	assert.Equal(t, 400, tbl.Len())
}

func TestDriftWithoutRegionsReturnsInput(t *testing.T) {
	e := driftEnv(t)
	out := e.mustRun(t, "drift", "Cos7/Cos7_1/Localizations")
	tbl, err := parsers.DecodeCSV(strings.NewReader(out), types.ReaderOptions{Header: types.DefaultFormat()})
	require.NoError(t, err)
	assert.Equal(t, 400, tbl.Len())
	assert.False(t, tbl.HasColumn("dx"))
}

func TestDriftUnknownRegionID(t *testing.T) {
	e := driftEnv(t)
	_, err := e.run(t, "drift", "Cos7/Cos7_1/Localizations", "--region", "900,1100,900,1100", "--use-regions", "3")
	require.ErrorIs(t, err, types.ErrUseTrajectory)
}

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{"prefix=Cos7", "posID=[1,2]", "channelID=None"})
	require.NoError(t, err)
	assert.Equal(t, "Cos7", got["prefix"])
	assert.Equal(t, []any{1.0, 2.0}, got["posID"])
	assert.Equal(t, types.NoneValue, got["channelID"])

	_, err = parseFilters([]string{"prefix"})
	require.Error(t, err)
	_, err = parseFilters([]string{"posID=[1,"})
	require.Error(t, err)
}

func TestParseRegions(t *testing.T) {
	got, err := parseRegions([]string{"0,10, 5,15"})
	require.NoError(t, err)
	assert.Equal(t, []drift.Region{{XMin: 0, XMax: 10, YMin: 5, YMax: 15}}, got)

	for _, bad := range []string{"1,2,3", "a,2,3,4", "10,0,0,10"} {
		_, err := parseRegions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSysError, exitCode(fmt.Errorf("put: %w", types.ErrStorage)))
	assert.Equal(t, exitSysError, exitCode(types.ErrLockTimeout))
	assert.Equal(t, exitSysError, exitCode(&os.PathError{Op: "open", Path: "x", Err: errors.New("denied")}))
	assert.Equal(t, exitUserError, exitCode(types.ErrKeyFormat))
}
