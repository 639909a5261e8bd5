package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	version   = "dev"
	buildTime = "unknown"
	port      int
	quality   int
	output    string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Re-encode images as JPEG at a chosen quality",
	Long: `ImageCompressor re-encodes images as JPEG at an adjustable quality and
shows the original and compressed sizes side by side.

Features:
- Drag-and-drop web interface with live quality preview
- Transparent pixels are flattened onto white
- Estimated compressed size for every quality setting
- One-shot command line compression`,
	SilenceUsage: true,
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a web server with the compressor page. Select or drop an image,
adjust the quality slider and download compressed_image.jpg.

Access the interface at http://localhost:<port> (default: 8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// compressCmd compresses a single file without starting the server.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress one image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("image-compressor %s (built %s)\n", version, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	compressCmd.Flags().IntVar(&quality, "quality", 80, "JPEG quality in percent (0-100)")
	compressCmd.Flags().StringVarP(&output, "output", "o", compressor.DownloadFilename, "output file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(versionCmd)
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	server := web.NewServer(cfg, log, cfg.NewCodec(), stats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	if !quiet {
		fmt.Printf("Image Compressor started at http://%s\n", cfg.Address())
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
		fmt.Println(stats.GetErrorSummary())
	}
	return nil
}

// runCompress drives a Flow through select, quality and download for one file.
func runCompress(cmd *cobra.Command, path string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("quality") {
		cfg.Compressor.DefaultQuality = quality
	}
	q, err := compressor.QualityFromPercent(cfg.Compressor.DefaultQuality)
	if err != nil {
		return err
	}

	src, err := sourceFromPath(path)
	if err != nil {
		return err
	}

	log := setupLogger(cfg)
	opLog := logger.WithOperation(log, "compress").WithField("file", path)
	flow := compressor.NewFlow(cfg.NewCodec(), q, log)
	defer flow.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending, err := flow.SelectFile(ctx, src)
	if err != nil {
		return err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return err
	}

	d, ok := flow.Download()
	if !ok {
		return fmt.Errorf("no output was encoded for %s", path)
	}
	if err := os.WriteFile(output, d.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	opLog.WithFields(logrus.Fields{
		"output":  output,
		"quality": res.View.QualityPercent,
		"bytes":   len(d.Data),
	}).Info("Wrote compressed image")

	if !quiet {
		fmt.Printf("Original:   %s (%dx%d)\n", res.View.OriginalSizeLabel, res.View.Width, res.View.Height)
		fmt.Printf("Compressed: %s at %s (estimated)\n", res.View.CompressedSizeLabel, res.View.QualityLabel)
		fmt.Printf("Written:    %s (%s)\n", output, compressor.FormatFileSize(int64(len(d.Data))))
	}
	return nil
}

// sourceFromPath reads a file and declares its type from the extension, the
// way a browser file chooser does. Unknown extensions fall back to sniffing.
func sourceFromPath(path string) (compressor.SourceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return compressor.SourceFile{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return compressor.SourceFile{
		Name:     filepath.Base(path),
		MIMEType: mime.TypeByExtension(filepath.Ext(path)),
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := cfg.LoggerConfig(!quiet)

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
