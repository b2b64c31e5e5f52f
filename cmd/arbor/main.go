// Command arbor trains and runs the composable parser.
//
//	arbor train --config conf.yaml [--network Parser]
//	arbor parse --config conf.yaml [--output-dir D | --output-file F] file...
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"

	"github.com/arbornlp/arbor/checkpoints"
	"github.com/arbornlp/arbor/config"
	"github.com/arbornlp/arbor/dataset"
	"github.com/arbornlp/arbor/graph"
	"github.com/arbornlp/arbor/inference"
	"github.com/arbornlp/arbor/network"
	"github.com/arbornlp/arbor/optimizer"
	"github.com/arbornlp/arbor/training"
	"github.com/arbornlp/arbor/vocab"
)

const defaultNetwork = "Parser"

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	// An interrupt during training is a clean stop: the controller drains,
	// checkpoints stay valid, and the sentinel is still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "parse":
		err = runParse(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("arbor %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: arbor train --config conf.yaml [--network Name]")
	fmt.Fprintln(os.Stderr, "       arbor parse --config conf.yaml [--network Name] [--output-dir D | --output-file F] file...")
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	name := fs.String("network", defaultNetwork, "network class to train")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	banner(cfg, *name)

	store := graph.NewStore()
	reg := vocab.NewRegistry()
	net, err := network.Assemble(cfg, *name, store, reg)
	if err != nil {
		return err
	}

	trainset, err := dataset.NewTrainset(cfg, *name)
	if err != nil {
		return err
	}
	devset, err := dataset.NewDevset(cfg, *name)
	if err != nil {
		return err
	}

	optCfg, err := optimizer.FromConfig(cfg, *name)
	if err != nil {
		return err
	}
	adam, err := optimizer.NewAdam(optCfg)
	if err != nil {
		return err
	}

	loopCfg, err := training.ConfigFrom(cfg, *name)
	if err != nil {
		return err
	}
	ctrl, err := training.NewController(net, trainset, devset, adam, loopCfg)
	if err != nil {
		return err
	}
	ctrl.SetLogger(log.New(os.Stderr, "[train] ", log.Ltime))
	ctrl.SetObserver(newProgressRenderer(os.Stdout, loopCfg.MaxSteps).Observe)
	ctrl.OnCheckpoint(func(state checkpoints.TrainingState) error {
		return net.SaveCheckpoint(state)
	})

	// Optionally parse the dev and test corpora with each improved model.
	parseDatasets := false
	if cfg.Has(*name, "parse_datasets") {
		if parseDatasets, err = cfg.GetBool(*name, "parse_datasets"); err != nil {
			return err
		}
	}
	if parseDatasets {
		pipeline := inference.NewPipeline(net, log.New(os.Stderr, "[parse] ", log.Ltime))
		ctrl.OnImprovement(func(ctx context.Context) error {
			for _, key := range []string{"dev_conllus", "test_conllus"} {
				if !cfg.Has(*name, key) {
					continue
				}
				ds, err := fromKey(cfg, *name, key)
				if err != nil {
					return err
				}
				if err := pipeline.ParseFiles(ctx, ds, inference.Options{}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return ctrl.Run(ctx)
}

func runParse(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	name := fs.String("network", defaultNetwork, "network class to run")
	outputDir := fs.String("output-dir", "", "directory for output files")
	outputFile := fs.String("output-file", "", "explicit output filename (single input file only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("--config is required")
	}
	files := fs.Args()
	if len(files) == 0 {
		return fmt.Errorf("no input files given")
	}
	// The single-file restriction on --output-file is checked before the
	// session restore and before any corpus is read.
	if *outputFile != "" && len(files) != 1 {
		return fmt.Errorf("%w: an explicit output filename requires exactly one input file, got %d", inference.ErrUsage, len(files))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store := graph.NewStore()
	reg := vocab.NewRegistry()
	net, err := network.Restored(cfg, *name, store, reg)
	if err != nil {
		return err
	}

	batchSize, err := cfg.GetInt(*name, "batch_size")
	if err != nil {
		return err
	}
	ds, err := dataset.New(batchSize, files...)
	if err != nil {
		return err
	}

	pipeline := inference.NewPipeline(net, log.New(os.Stderr, "", log.Ltime))
	return pipeline.ParseFiles(ctx, ds, inference.Options{
		OutputDir:  *outputDir,
		OutputFile: *outputFile,
	})
}

// banner prints the run header: where state goes and what it runs on. The
// device is plain configuration, never an environment variable.
func banner(cfg *config.Config, name string) {
	saveDir, err := cfg.GetStr(name, "save_dir")
	if err != nil {
		saveDir = "(unset)"
	}
	device := "cpu"
	if cfg.Has(name, "device") {
		if d, err := cfg.GetStr(name, "device"); err == nil {
			device = d
		}
	}
	log.Printf("arbor: training %s", name)
	log.Printf("  save dir: %s", saveDir)
	log.Printf("  device:   %s (%s)", device, cpuid.CPU.BrandName)
}

func fromKey(cfg *config.Config, name, key string) (*dataset.Dataset, error) {
	switch key {
	case "dev_conllus":
		return dataset.NewDevset(cfg, name)
	case "test_conllus":
		return dataset.NewTestset(cfg, name)
	}
	return nil, fmt.Errorf("unknown dataset key %s", key)
}
