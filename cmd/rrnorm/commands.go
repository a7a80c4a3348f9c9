package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rrnorm/pkg/artifact"
	"rrnorm/pkg/config"
	"rrnorm/pkg/logging"
	"rrnorm/pkg/normalize"
	"rrnorm/pkg/overlap"
	"rrnorm/pkg/raster"
)

const version = "0.3.0"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "rrnorm",
		Short: "Relative radiometric normalization of overlapping rasters",
		Long: `rrnorm estimates a linear correction per image and band so that overlapping
images agree radiometrically, refines the result locally to remove seams and
writes the normalized rasters.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rrnorm.yaml", "configuration file")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newOverlapsCmd(&configPath))
	rootCmd.AddCommand(newConfigCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		models   []string
		workers  int
		noLocal  bool
		cache    string
		previews string
		policy   string
	)

	cmd := &cobra.Command{
		Use:   "run <input_directory> <output_directory>",
		Short: "Normalize every image of a dataset directory",
		Long: `Normalize the images of a dataset directory (one YAML sidecar and one TIFF per
band for each image) and write the results to the output directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			// Flags override the configuration file
			if cmd.Flags().Changed("model") {
				cfg.Global.ModelImages = models
			}
			if cmd.Flags().Changed("workers") {
				cfg.Processing.Workers = workers
			}
			if noLocal {
				cfg.Local.Enabled = false
			}
			if cache != "" {
				cfg.Cache.Enabled = true
				cfg.Cache.Path = cache
			}
			if previews != "" {
				cfg.Output.Previews = true
				cfg.Output.PreviewDir = previews
			}
			if policy != "" {
				cfg.Output.OutOfRange = policy
			}

			src, err := raster.OpenDir(args[0])
			if err != nil {
				return err
			}
			sink, err := raster.NewDirSink(args[1], cfg.Output.Suffix)
			if err != nil {
				return err
			}

			params := &normalize.Params{Source: src, Mask: src, Sink: sink, Config: cfg, Logger: logger}
			var db *artifact.SQLiteStore
			if cfg.Cache.Enabled {
				db, err = artifact.OpenSQLite(cfg.Cache.Path)
				if err != nil {
					return fmt.Errorf("failed to open cache: %w", err)
				}
				defer db.Close()
				params.Store = db
			}

			report, runErr := normalize.NewNormalizer(params).Process(cmd.Context())
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			if db != nil {
				if count, raw, stored, err := db.Stats(cmd.Context()); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Cache: %d artifacts, %s (%s uncompressed)\n",
						count, humanize.Bytes(uint64(stored)), humanize.Bytes(uint64(raw)))
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVarP(&models, "model", "m", nil, "IDs of model images kept unchanged")
	cmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "number of worker goroutines")
	cmd.Flags().BoolVar(&noLocal, "no-local", false, "skip local block refinement")
	cmd.Flags().StringVar(&cache, "cache", "", "artifact cache database (enables resuming)")
	cmd.Flags().StringVar(&previews, "previews", "", "directory for correction surface previews")
	cmd.Flags().StringVar(&policy, "out-of-range", "", "out-of-range policy (clamp|error)")
	return cmd
}

func printReport(w io.Writer, r *normalize.Report) {
	fmt.Fprintf(w, "\nRun %s completed in %.2f seconds\n", r.RunID, r.Duration.Seconds())
	fmt.Fprintf(w, "Images: %d  Overlaps: %d  Bands: %d\n\n", r.Images, r.Pairs, r.Bands)

	fmt.Fprintf(w, "Overlap mean differences (before -> after global solve):\n")
	fmt.Fprintf(w, "======================================================\n")
	for _, q := range r.Quality {
		fmt.Fprintf(w, "Band %d (%d pairs): RMS %.3f -> %.3f  median %.3f -> %.3f  p95 %.3f -> %.3f\n",
			q.Band+1, q.Pairs, q.Before.RMS, q.After.RMS, q.Before.Median, q.After.Median, q.Before.P95, q.After.P95)
	}
	if r.Solution != nil && len(r.Solution.Degenerate) > 0 {
		fmt.Fprintf(w, "Offset-only bands: %v\n", oneBased(r.Solution.Degenerate))
	}

	fmt.Fprintf(w, "\nOutputs:\n")
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(w, "  %s: FAILED: %v\n", res.ID, res.Err)
			continue
		}
		fmt.Fprintf(w, "  %s: %d windows, %s clamped, window p50 %s p99 %s\n",
			res.ID, res.Windows, humanize.Comma(res.ClampedPixels),
			res.WindowP50.Round(time.Microsecond), res.WindowP99.Round(time.Microsecond))
	}
	for _, p := range r.Previews {
		fmt.Fprintf(w, "Preview: %s\n", p)
	}
}

func oneBased(bands []int) []int {
	out := make([]int, len(bands))
	for i, b := range bands {
		out[i] = b + 1
	}
	return out
}

func newOverlapsCmd(configPath *string) *cobra.Command {
	var geojsonPath string

	cmd := &cobra.Command{
		Use:   "overlaps <input_directory>",
		Short: "List the overlapping image pairs of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(*configPath); err != nil {
				return err
			}
			src, err := raster.OpenDir(args[0])
			if err != nil {
				return err
			}
			idx, err := overlap.NewIndex(src.Images())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d images, %d overlapping pairs\n", len(idx.Images()), idx.Len())
			for _, p := range idx.Pairs() {
				fmt.Fprintf(w, "  %s  %v  %v\n", p.Key(), p.WindowA, p.WindowB)
			}
			for i, img := range idx.Images() {
				if len(idx.Neighbors(i)) == 0 {
					fmt.Fprintf(w, "  warning: %s overlaps no other image\n", img.ID)
				}
			}

			if geojsonPath != "" {
				data, err := json.MarshalIndent(idx.FeatureCollection(), "", "  ")
				if err != nil {
					return fmt.Errorf("error encoding overlaps: %w", err)
				}
				if err := os.WriteFile(geojsonPath, data, 0644); err != nil {
					return fmt.Errorf("error writing %s: %w", geojsonPath, err)
				}
				fmt.Fprintf(w, "GeoJSON written to %s\n", geojsonPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&geojsonPath, "geojson", "", "write footprints and overlaps as GeoJSON")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil {
				return fmt.Errorf("%s already exists", *configPath)
			}
			if err := config.CreateDefaultConfigFile(*configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", *configPath)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(*configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", *configPath)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rrnorm v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
		},
	}
}
