// Command libdetect is a thin demonstration of the libdetect package: two
// subcommands, detect and ingest, wired directly onto libdetect.Analyzer. It
// is not a reintroduction of the orchestration/CLI layer the spec excludes -
// no flags beyond an optional -config path, no logging configuration, no
// daemon mode.
package main

import (
	"archive/zip"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/orangeapk/libdetect"
	"github.com/orangeapk/libdetect/allowlist"
	"github.com/orangeapk/libdetect/config"
	"github.com/orangeapk/libdetect/corpus"
	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/dbstore/boltstore"
	"github.com/orangeapk/libdetect/dbstore/memstore"
	"github.com/orangeapk/libdetect/dex"
	"github.com/orangeapk/libdetect/log"
	"github.com/orangeapk/libdetect/model"
)

// openDex is the DEX-bytes-to-dex.Dex hook every real deployment must
// supply; libdetect itself only defines the contract (see package dex).
// This demonstration command has no bundled parser, so it reports a clear
// error instead of silently doing nothing.
var openDex corpus.DexOpener = func(raw []byte) (dex.Dex, error) {
	return nil, fmt.Errorf("libdetect: no DEX parser linked into this binary; see package dex's Dex contract")
}

type command interface {
	Name() string
	Args() string
	Register(*flag.FlagSet)
	Run(cfg config.Config, args []string) error
}

func main() {
	commands := []command{
		&detectCommand{},
		&ingestCommand{},
	}

	if len(os.Args) < 2 {
		usage(commands)
		os.Exit(1)
	}

	for _, cmd := range commands {
		if cmd.Name() != os.Args[1] {
			continue
		}
		fs := flag.NewFlagSet(cmd.Name(), flag.ExitOnError)
		configPath := fs.String("config", "", "path to a libdetect.toml config file (defaults baked in if omitted)")
		cmd.Register(fs)
		fs.Parse(os.Args[2:])

		cfg := config.Default()
		if *configPath != "" {
			loaded, err := config.Load(*configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			cfg = loaded
		}
		if err := cmd.Run(cfg, fs.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "libdetect: %s: no such command\n", os.Args[1])
	usage(commands)
	os.Exit(1)
}

func usage(commands []command) {
	fmt.Fprintln(os.Stderr, "Usage: libdetect <command> [flags] <args>")
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %s %s\n", cmd.Name(), cmd.Args())
	}
}

func newAnalyzer(cfg config.Config) (*libdetect.Analyzer, db.Database, *allowlist.Allowlist, error) {
	allow, err := allowlist.LoadFile(cfg.AllowlistFile)
	if err != nil {
		return nil, nil, nil, err
	}

	var database db.Database
	switch cfg.Backend {
	case config.BackendBoltstore:
		store, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		database = store
	default:
		database = memstore.New(cfg.MemstoreDir)
	}

	a := libdetect.New(log.New(os.Stderr))
	a.SetAllowlist(allow)
	a.SetDatabase(database)
	a.SetThresholds(cfg.Thresholds.ModelThresholds())
	return a, database, allow, nil
}

type detectCommand struct{}

func (c *detectCommand) Name() string { return "detect" }
func (c *detectCommand) Args() string { return "<dex-or-apk>" }
func (c *detectCommand) Register(fs *flag.FlagSet) {}

func (c *detectCommand) Run(cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("detect: expected exactly one target path")
	}
	a, _, _, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}

	path := args[0]
	if strings.HasSuffix(strings.ToLower(path), ".apk") {
		r, openErr := zip.OpenReader(path)
		if openErr != nil {
			return openErr
		}
		defer r.Close()
		results, err := a.DetectApkLibraries(&r.Reader, openDex)
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d, err := openDex(raw)
	if err != nil {
		return err
	}
	results, err := a.DetectDexLibraries(d)
	if err != nil {
		return err
	}
	printResults(results)
	return nil
}

func printResults(results []model.PkgResult) {
	for _, r := range results {
		sim := 1.0
		if r.Similarity != nil {
			sim = *r.Similarity
		}
		fmt.Printf("%s\t%s\t%.2f\n", r.Name, r.LibName, sim)
	}
}

type ingestCommand struct{}

func (c *ingestCommand) Name() string { return "ingest" }
func (c *ingestCommand) Args() string { return "<dir>" }
func (c *ingestCommand) Register(fs *flag.FlagSet) {}

func (c *ingestCommand) Run(cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("ingest: expected exactly one directory path")
	}
	_, database, allow, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}
	ingested, failures := corpus.WalkAndAdd(args[0], database, allow, cfg.Thresholds.ModelThresholds(), openDex)
	fmt.Printf("ingested %d file(s)\n", ingested)
	for _, f := range failures {
		fmt.Fprintln(os.Stderr, f)
	}
	if err := database.Dump(); err != nil && err != db.ErrUnsupported {
		return err
	}
	return nil
}
