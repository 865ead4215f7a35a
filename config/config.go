// Package config loads process-wide thresholds and backend selection
// from a TOML file, the way the teacher loads its manifest/lock data,
// giving the ambient configuration layer of spec §9's "state lifecycle"
// note a concrete, file-backed form.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/orangeapk/libdetect/model"
)

// Backend names a db.Database implementation to construct at startup.
type Backend string

const (
	BackendMemstore  Backend = "memstore"
	BackendBoltstore Backend = "boltstore"
)

// Config is the top-level shape of a libdetect.toml file.
type Config struct {
	Backend     Backend     `toml:"backend"`
	BoltPath    string      `toml:"bolt_path"`
	MemstoreDir string      `toml:"memstore_dir"`
	Thresholds  Thresholds  `toml:"thresholds"`
	AllowlistFile string    `toml:"allowlist_file"`
}

// Thresholds mirrors model.Thresholds in TOML-friendly form (the
// blacklist is a list here, a set in model.Thresholds).
type Thresholds struct {
	LibMatchRate float64  `toml:"lib_match_rate"`
	MinApiWeight int      `toml:"min_api_weight"`
	MinLibCount  int      `toml:"min_lib_count"`
	BlackList    []string `toml:"pkg_name_blacklist"`
}

// Default returns the configuration recommended by spec §3, matching
// model.DefaultThresholds.
func Default() Config {
	return Config{
		Backend:     BackendMemstore,
		MemstoreDir: ".",
		Thresholds: Thresholds{
			LibMatchRate: 0.9,
			MinApiWeight: 3,
			MinLibCount:  5,
			BlackList:    []string{"Lcom", "Lorg", "Lcn"},
		},
		AllowlistFile: "apis.txt",
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: reading %s", path)
	}
	cfg := Default()
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}

// ModelThresholds converts Thresholds into the model.Thresholds shape
// the analyzer packages consume.
func (t Thresholds) ModelThresholds() model.Thresholds {
	blacklist := make(map[string]struct{}, len(t.BlackList))
	for _, name := range t.BlackList {
		blacklist[name] = struct{}{}
	}
	return model.Thresholds{
		LibMatchRate:     t.LibMatchRate,
		MinApiWeight:     t.MinApiWeight,
		MinLibCount:      t.MinLibCount,
		PkgNameBlackList: blacklist,
	}
}
