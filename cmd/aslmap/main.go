// Command aslmap computes quantitative perfusion parameter maps from
// ASL acquisitions: CBF and ATT with the Buxton kinetic model,
// blood-tissue exchange times with the multi-TE model, and per-delay
// T2 relaxation maps.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"aslmap/pkg/acquisition"
	"aslmap/pkg/config"
	"aslmap/pkg/fit"
	"aslmap/pkg/imageio"
	"aslmap/pkg/reconstruction"
	"aslmap/pkg/scheduler"
	"aslmap/pkg/smooth"
	"aslmap/pkg/visualization"
	"aslmap/pkg/volume"
)

type cliOptions struct {
	configPath string
	seriesPath string
	m0Path     string
	maskPath   string
	maskLabel  float64
	outputDir  string
	previewDir string

	ld  []float64
	pld []float64
	te  []float64

	workers int
	verbose bool

	smoothFilter string
	smoothSigma  float64
	smoothSize   int
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "aslmap",
		Short: "Voxel-wise parameter mapping for ASL perfusion MRI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&opts.seriesPath, "pcasl", "", "labeled perfusion series (NIfTI)")
	pf.StringVar(&opts.m0Path, "m0", "", "M0 reference volume (NIfTI)")
	pf.StringVar(&opts.maskPath, "mask", "", "brain mask volume (NIfTI, optional)")
	pf.Float64Var(&opts.maskLabel, "mask-label", 1, "foreground label value in the mask")
	pf.StringVar(&opts.outputDir, "out", ".", "output directory for the parameter maps")
	pf.StringVar(&opts.previewDir, "preview-dir", "", "directory for JPEG slice previews (optional)")
	pf.Float64SliceVar(&opts.ld, "ld", nil, "labeling durations (ms)")
	pf.Float64SliceVar(&opts.pld, "pld", nil, "post-labeling delays (ms)")
	pf.Float64SliceVar(&opts.te, "te", nil, "echo times (ms)")
	pf.IntVar(&opts.workers, "workers", 0, "worker pool size (default: configured or all cores)")
	pf.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	pf.StringVar(&opts.smoothFilter, "smooth", "", "output smoothing filter (gaussian or median)")
	pf.Float64Var(&opts.smoothSigma, "sigma", 1.0, "gaussian smoothing sigma in voxels")
	pf.IntVar(&opts.smoothSize, "size", 3, "median smoothing window size in voxels")

	root.AddCommand(cbfCommand(opts), mteCommand(opts), t2Command(opts))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func cbfCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cbf",
		Short: "Compute CBF and ATT maps with the Buxton kinetic model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, acq, maskVol, err := prepare(opts)
			if err != nil {
				return err
			}
			mapping, err := reconstruction.NewCBFMapping(acq)
			if err != nil {
				return err
			}
			mapping.Params = cfg.Parameters()
			if maskVol != nil {
				if err := mapping.SetBrainMask(maskVol, opts.maskLabel); err != nil {
					return err
				}
			}
			smOpts, err := smoothingOptions(opts, cfg)
			if err != nil {
				return err
			}
			start := time.Now()
			maps, err := mapping.CreateMap(reconstruction.CBFOptions{
				Workers:   workerCount(opts, cfg),
				Smoothing: smOpts,
				Progress:  consoleProgress("CBF/ATT"),
				Solver:    solverSettings(cfg),
			})
			if err != nil {
				return err
			}
			fmt.Println()
			log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("CBF/ATT mapping done")
			return writeOutputs(maps, opts)
		},
	}
}

func mteCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mte",
		Short: "Compute blood-tissue exchange maps with the multi-TE model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, acq, maskVol, err := prepare(opts)
			if err != nil {
				return err
			}
			mapping, err := reconstruction.NewMultiTEMapping(acq)
			if err != nil {
				return err
			}
			mapping.Params = cfg.Parameters()
			if maskVol != nil {
				if err := mapping.SetBrainMask(maskVol, opts.maskLabel); err != nil {
					return err
				}
			}
			smOpts, err := smoothingOptions(opts, cfg)
			if err != nil {
				return err
			}
			start := time.Now()
			maps, err := mapping.CreateMap(reconstruction.MultiTEOptions{
				Workers:   workerCount(opts, cfg),
				Smoothing: smOpts,
				Progress:  consoleProgress("multi-TE"),
				Solver:    solverSettings(cfg),
			})
			if err != nil {
				return err
			}
			fmt.Println()
			log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("multi-TE mapping done")
			return writeOutputs(maps, opts)
		},
	}
}

func t2Command(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "t2",
		Short: "Compute per-delay T2 relaxation maps with a decay model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, acq, maskVol, err := prepare(opts)
			if err != nil {
				return err
			}
			mapping, err := reconstruction.NewT2Mapping(acq)
			if err != nil {
				return err
			}
			mapping.Params = cfg.Parameters()
			if maskVol != nil {
				if err := mapping.SetBrainMask(maskVol, opts.maskLabel); err != nil {
					return err
				}
			}
			smOpts, err := smoothingOptions(opts, cfg)
			if err != nil {
				return err
			}
			start := time.Now()
			maps, err := mapping.CreateMap(reconstruction.T2Options{
				Workers:   workerCount(opts, cfg),
				Smoothing: smOpts,
				Progress:  consoleProgress("T2"),
				Solver:    solverSettings(cfg),
			})
			if err != nil {
				return err
			}
			fmt.Println()
			for i, mean := range mapping.MeanT2s() {
				log.Infof("PLD %g ms: mean T2 %.2f ms", acq.PLD()[i], mean)
			}
			log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("T2 mapping done")
			return writeOutputs(maps, opts)
		},
	}
}

// prepare loads the configuration, the image volumes and the timing
// arrays shared by every subcommand.
func prepare(opts *cliOptions) (*config.Config, *acquisition.Data, *volume.Volume, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if opts.previewDir == "" {
		opts.previewDir = cfg.Output.PreviewDir
	}

	if opts.seriesPath == "" || opts.m0Path == "" {
		return nil, nil, nil, fmt.Errorf("both --pcasl and --m0 must be provided")
	}

	acq, err := acquisition.New(opts.ld, opts.pld)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(opts.te) > 0 {
		if err := acq.SetTE(opts.te); err != nil {
			return nil, nil, nil, err
		}
	}

	m0, err := imageio.Load(opts.m0Path)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := acq.SetM0(m0); err != nil {
		return nil, nil, nil, err
	}
	series, err := imageio.Load(opts.seriesPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := acq.SetSeries(series); err != nil {
		return nil, nil, nil, err
	}

	var maskVol *volume.Volume
	if opts.maskPath != "" {
		maskVol, err = imageio.Load(opts.maskPath)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return cfg, acq, maskVol, nil
}

func workerCount(opts *cliOptions, cfg *config.Config) int {
	if opts.workers > 0 {
		return opts.workers
	}
	return cfg.Processing.Workers
}

// solverSettings applies the configured per-voxel iteration budget on
// top of the solver defaults.
func solverSettings(cfg *config.Config) fit.Settings {
	s := fit.DefaultSettings()
	if cfg.Processing.MaxIterations > 0 {
		s.MaxIterations = cfg.Processing.MaxIterations
	}
	return s
}

func smoothingOptions(opts *cliOptions, cfg *config.Config) (*smooth.Options, error) {
	selector := opts.smoothFilter
	sigma := opts.smoothSigma
	size := opts.smoothSize
	if selector == "" {
		selector = cfg.Smoothing.Filter
		if cfg.Smoothing.Sigma > 0 {
			sigma = cfg.Smoothing.Sigma
		}
		if cfg.Smoothing.Size > 0 {
			size = cfg.Smoothing.Size
		}
	}
	if selector == "" {
		return nil, nil
	}
	filter, err := smooth.ParseFilter(selector)
	if err != nil {
		return nil, err
	}
	return &smooth.Options{Filter: filter, Sigma: sigma, Size: size}, nil
}

func consoleProgress(stage string) scheduler.Progress {
	return func(completed, total int) {
		fmt.Printf("\r%s processing: %.1f%% complete", stage, float64(completed)/float64(total)*100)
	}
}

func writeOutputs(maps map[string]*volume.Volume, opts *cliOptions) error {
	if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for name, vol := range maps {
		path := filepath.Join(opts.outputDir, name+".nii.gz")
		if err := imageio.Save(vol, path); err != nil {
			return err
		}
		log.WithFields(log.Fields{"map": name, "path": path}).Info("saved parameter map")
	}
	if opts.previewDir != "" {
		if err := visualization.SavePreviews(maps, opts.previewDir); err != nil {
			return err
		}
		log.WithField("dir", opts.previewDir).Info("saved map previews")
	}
	return nil
}
