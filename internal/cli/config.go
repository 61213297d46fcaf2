package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/smlmstore/internal/drift"
	"github.com/mesh-intelligence/smlmstore/internal/paths"
	"github.com/mesh-intelligence/smlmstore/internal/processors"
	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	cfgKeyBackend         = "backend"
	cfgKeyDataDir         = "data_dir"
	cfgKeyStoreName       = "store_name"
	cfgKeyLockTimeout     = "lock_timeout"
	cfgKeyPixelSize       = "widefield_pixel_size"
	cfgKeyFilenameStrings = "filename_strings"

	cfgKeyDriftWindow    = "drift.smoothing_window_size"
	cfgKeyDriftFilter    = "drift.smoothing_filter_size"
	cfgKeyDriftZeroFrame = "drift.zero_frame"
	cfgKeyDriftMaxRadius = "drift.max_radius"

	cfgKeyClusterMinSamples = "cluster.min_samples"
	cfgKeyClusterEps        = "cluster.eps"
)

// fileConfig is the layout of config.yaml.
type fileConfig struct {
	Backend         string            `yaml:"backend"`
	DataDir         string            `yaml:"data_dir,omitempty"`
	StoreName       string            `yaml:"store_name"`
	LockTimeout     string            `yaml:"lock_timeout"`
	FilenameStrings map[string]string `yaml:"filename_strings"`
	Drift           driftConfig       `yaml:"drift"`
	Cluster         clusterConfig     `yaml:"cluster"`
}

type driftConfig struct {
	SmoothingWindowSize int     `yaml:"smoothing_window_size"`
	SmoothingFilterSize float64 `yaml:"smoothing_filter_size"`
	ZeroFrame           int     `yaml:"zero_frame"`
	MaxRadius           float64 `yaml:"max_radius"`
}

type clusterConfig struct {
	MinSamples int     `yaml:"min_samples"`
	Eps        float64 `yaml:"eps"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Backend:         types.BackendSQLite,
		StoreName:       types.DefaultStoreName,
		LockTimeout:     types.DefaultLockTimeout.String(),
		FilenameStrings: types.DefaultRegistry().FilenameStrings(),
		Drift: driftConfig{
			SmoothingWindowSize: drift.DefaultSmoothingWindowSize,
			SmoothingFilterSize: drift.DefaultSmoothingFilterSize,
			ZeroFrame:           drift.DefaultZeroFrame,
		},
		Cluster: clusterConfig{
			MinSamples: processors.DefaultMinSamples,
			Eps:        processors.DefaultEps,
		},
	}
}

// loadConfig reads config.yaml from configDir, creating the directory and a
// default file on first run.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := paths.EnsureDir(configDir); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := writeConfigIfMissing(paths.ConfigFile(configDir), ""); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	def := defaultFileConfig()
	v := viper.New()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeyStoreName, def.StoreName)
	v.SetDefault(cfgKeyLockTimeout, types.DefaultLockTimeout)
	v.SetDefault(cfgKeyDriftWindow, def.Drift.SmoothingWindowSize)
	v.SetDefault(cfgKeyDriftFilter, def.Drift.SmoothingFilterSize)
	v.SetDefault(cfgKeyDriftZeroFrame, def.Drift.ZeroFrame)
	v.SetDefault(cfgKeyDriftMaxRadius, def.Drift.MaxRadius)
	v.SetDefault(cfgKeyClusterMinSamples, def.Cluster.MinSamples)
	v.SetDefault(cfgKeyClusterEps, def.Cluster.Eps)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// writeConfigIfMissing writes the default configuration to path unless the
// file exists. A non-empty dataDir is recorded as data_dir.
func writeConfigIfMissing(path, dataDir string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	cfg := defaultFileConfig()
	cfg.DataDir = dataDir
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# smlmstore configuration\n")
	return writeFileAtomic(path, append(header, data...))
}

// storeConfig returns the datastore configuration for dataDir.
func storeConfig(v *viper.Viper, dataDir string) (types.Config, error) {
	timeout := v.GetDuration(cfgKeyLockTimeout)
	if raw := v.GetString(cfgKeyLockTimeout); raw != "" && timeout == 0 {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return types.Config{}, fmt.Errorf("%s: %w", cfgKeyLockTimeout, err)
		}
		timeout = d
	}
	cfg := types.Config{
		Backend:            v.GetString(cfgKeyBackend),
		DataDir:            dataDir,
		StoreName:          v.GetString(cfgKeyStoreName),
		LockTimeout:        timeout,
		WidefieldPixelSize: v.GetFloat64(cfgKeyPixelSize),
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// filenameStrings returns the configured filename strings, or nil for the
// registry defaults. Viper lowercases map keys, so keys are matched to the
// registered type names case-insensitively.
func filenameStrings(v *viper.Viper) map[string]string {
	m := v.GetStringMapString(cfgKeyFilenameStrings)
	if len(m) == 0 {
		return nil
	}
	names := types.DefaultRegistry().Names()
	out := make(map[string]string, len(m))
	for k, s := range m {
		if i := slices.IndexFunc(names, func(n string) bool { return strings.EqualFold(n, k) }); i >= 0 {
			k = names[i]
		}
		out[k] = s
	}
	return out
}

// driftComputer returns a DefaultComputer configured from the drift section.
func (a *app) driftComputer() *drift.DefaultComputer {
	v := a.config
	c := drift.NewDefaultComputer()
	c.SmoothingWindowSize = v.GetInt(cfgKeyDriftWindow)
	c.SmoothingFilterSize = v.GetFloat64(cfgKeyDriftFilter)
	c.ZeroFrame = v.GetInt(cfgKeyDriftZeroFrame)
	c.MaxRadius = v.GetFloat64(cfgKeyDriftMaxRadius)
	c.Logger = a.logger
	return c
}
