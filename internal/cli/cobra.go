package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"videoscan/internal/config"
	"videoscan/internal/pipeline"
	"videoscan/internal/storage"
	"videoscan/internal/tools"
	"videoscan/internal/watch"
	"videoscan/internal/web"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "videoscan",
		Short: "Videoscan turns walkthrough videos into photogrammetry datasets",
		Long: `Videoscan extracts frames from source videos, drives an external
alignment engine in an adaptive loop, and exports a reconstruction-ready
dataset once the alignment is good enough.`,
	}

	rootCmd.AddCommand(newReconstructCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newProbeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newReconstructCmd(root *Root) *cobra.Command {
	var (
		output        string
		quality       string
		maxIterations int
		targetImages  int
		noProgress    bool
	)

	cmd := &cobra.Command{
		Use:   "reconstruct <video_or_directory> [output_path]",
		Short: "Run the full adaptive alignment loop and export a dataset",
		Long: `Extract frames from the input videos, iterate alignment with targeted
re-acquisition until a stop condition is met, and write the dataset.

Examples:
  # Single video, default settings
  videoscan reconstruct walkthrough.mp4

  # A directory of videos, high quality, capped iterations
  videoscan reconstruct /videos/site-a/ --quality high --max-iterations 5`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]

			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				inputBaseName := filepath.Base(filepath.Clean(input))
				output = filepath.Join(root.cfg.Paths.DefaultOutput, inputBaseName)
			}

			root.log.Info("reconstruct command parsed",
				"input", input,
				"output", output,
				"quality", quality,
				"max_iterations", maxIterations,
				"target_images", targetImages,
			)

			job := pipeline.Job{
				ID:        newID("rec"),
				Type:      pipeline.JobReconstruct,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"quality":       quality,
					"maxIterations": maxIterations,
					"targetImages":  targetImages,
					"source":        "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job, !noProgress)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default: <config output>/<input name>)")
	cmd.Flags().StringVarP(&quality, "quality", "q", "", "engine alignment quality (draft|normal|high), uses config default if empty")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap, uses config default if zero")
	cmd.Flags().IntVar(&targetImages, "target-images", 0, "total initial image target across all videos, uses config default if zero")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		output       string
		targetImages int
	)

	cmd := &cobra.Command{
		Use:   "extract <video_or_directory>",
		Short: "Extract initial frames without running alignment",
		Long: `Run only the initial frame extraction and quality gate, for inspecting
which frames would enter the working set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				inputBaseName := filepath.Base(filepath.Clean(input))
				output = filepath.Join(root.cfg.Paths.DefaultOutput, inputBaseName)
			}

			job := pipeline.Job{
				ID:        newID("ext"),
				Type:      pipeline.JobExtract,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"targetImages": targetImages,
					"source":       "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job, false)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().IntVar(&targetImages, "target-images", 0, "frames to extract per video, uses config default if zero")

	return cmd
}

func newProbeCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <video_or_directory>",
		Short: "Report video durations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("prb"),
				Type:      pipeline.JobProbe,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			}
			return root.enqueueAndWait(cmd.Context(), job, false)
		},
	}
	return cmd
}

// newToolsCmd reports external tool availability.
func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show external tool availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := tools.NewManager(root.cfg)
			status := tm.All()

			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()

			fmt.Println("Videoscan Tool Status")
			fmt.Println("=====================")
			for _, name := range []string{"ffmpeg", "ffprobe", "engine", "detector"} {
				st, exists := status[name]
				if !exists {
					continue
				}
				if st.Available {
					fmt.Printf("  %s %s", ok("[ok]"), name)
					if verbose {
						if st.Version != "" {
							fmt.Printf(" (%s)", st.Version)
						}
						if st.Path != "" {
							fmt.Printf(" [%s]", st.Path)
						}
					}
				} else {
					fmt.Printf("  %s %s", bad("[missing]"), name)
					if verbose && st.Error != nil {
						fmt.Printf(" - %v", st.Error)
					}
				}
				fmt.Println()
			}

			if !tm.Ready() {
				fmt.Println()
				fmt.Println(bad("Required tools are missing; reconstruction runs will fail."))
				fmt.Println("  Ubuntu/Debian: sudo apt install ffmpeg")
				fmt.Println("  macOS:         brew install ffmpeg")
				fmt.Println("  The alignment engine must be installed separately and on PATH.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "show versions and paths")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the progress dashboard",
		Long: `Start an HTTP server with a live dashboard, a JSON progress API and a
websocket feed. Runs submitted by other commands or the watch folder
show up here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := web.NewWebServer(port, root.pipeline.Tracker(), root.store)
			root.log.Info("starting dashboard", "port", port)
			return server.Start(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", root.cfg.Web.Port, "dashboard port")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		dir    string
		output string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a drop folder and reconstruct new videos",
		Long: `Monitor a directory for new video files. Each finished copy is queued
as a reconstruction run automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = root.cfg.Paths.WatchDir
			}
			if dir == "" {
				return fmt.Errorf("no watch directory configured; use --dir or set paths.watch_dir")
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}

			realPipeline, ok := root.pipeline.(*pipeline.Pipeline)
			if !ok {
				return fmt.Errorf("pipeline unavailable for watch startup")
			}

			watcher, err := watch.New(realPipeline, output, root.log)
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			if err := watcher.Start(dir); err != nil {
				return fmt.Errorf("starting watcher: %w", err)
			}
			defer watcher.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			root.log.Info("watch stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (default: config paths.watch_dir)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output root for reconstructions")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent reconstruction runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no run database configured")
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%-28s %-10s %s", rec.ID, rec.Status, rec.InputPath)
				if rec.StopReason != "" {
					line += fmt.Sprintf("  (%s)", rec.StopReason)
				}
				if rec.Error != "" {
					line += fmt.Sprintf("  error: %s", rec.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate videoscan configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(root.cfg); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

// validateConfig rejects settings the pipeline cannot run with.
func validateConfig(cfg *config.Config) error {
	if cfg.Processing.MaxIterations < 1 {
		return fmt.Errorf("processing.max_iterations must be at least 1")
	}
	if cfg.Processing.TargetImagesPerVideo < 1 {
		return fmt.Errorf("processing.target_images_per_video must be at least 1")
	}
	if cfg.Extraction.MinIntervalSec <= 0 || cfg.Extraction.MaxIntervalSec < cfg.Extraction.MinIntervalSec {
		return fmt.Errorf("extraction interval bounds are inconsistent")
	}
	if cfg.Extraction.FramesPerSecond <= 0 {
		return fmt.Errorf("extraction.targeted_frames_per_second must be positive")
	}
	switch cfg.Engine.Quality {
	case "draft", "normal", "high":
	default:
		return fmt.Errorf("engine.quality must be draft, normal or high")
	}
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Videoscan v1.0.0")
		},
	}
}
