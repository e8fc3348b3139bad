package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/exam-id-scanner/internal/app"
	"github.com/JakeFAU/exam-id-scanner/internal/config"
	"github.com/JakeFAU/exam-id-scanner/internal/logging"
	"github.com/JakeFAU/exam-id-scanner/internal/progress"
)

const shutdownTimeout = 30 * time.Second

// newScanCmd creates the 'scan' subcommand.
func newScanCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan BASE_ID TARGET_ID",
		Short: "Scans exam ids from BASE_ID towards TARGET_ID",
		Long: `Scans exam ids starting at BASE_ID, a known valid exam id, until the
search passes TARGET_ID. TARGET_ID may be below BASE_ID to scan downwards.
Every hit is logged, appended to output.hits_file when set and printed once the
scan finishes. Ctrl+C stops the scan and prints where it stopped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, *cfgFile, args)
		},
	}

	flags := cmd.Flags()
	flags.String("session-cookie", "", "value of the CampusNet cnsc session cookie")
	flags.Uint64("session-id", 0, "numeric CampusNet session id")
	flags.IntP("threads", "t", 8, "number of concurrent probes")
	flags.String("progress", config.ProgressAuto, "progress display: auto, terminal, log or off")
	flags.String("hits-file", "", "append every hit to this file")
	flags.String("listen", "", "address of the status server, e.g. :8080")

	return cmd
}

func runScan(cmd *cobra.Command, cfgFile string, args []string) error {
	baseID, targetID, err := parseIDs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, renderer, err := setupOutput(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		stats := a.HubStats()
		logger.Info("progress events delivered",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("dropped", stats.Dropped),
		)
	}()

	sc, err := a.NewScanner(baseID, targetID, renderer)
	if err != nil {
		return fmt.Errorf("create scanner: %w", err)
	}
	if err := a.Serve(sc); err != nil {
		return err
	}

	result, err := sc.Run(ctx)
	if err != nil {
		return fmt.Errorf("run scan: %w", err)
	}

	uri, err := a.WriteReport(context.WithoutCancel(ctx), result)
	if err != nil {
		logger.Error("run report not written", zap.Error(err))
	} else if uri != "" {
		logger.Info("run report written", zap.String("uri", uri))
	}

	return printResult(cmd.OutOrStdout(), result.Hits)
}

func parseIDs(args []string) (int64, int64, error) {
	baseID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || baseID <= 0 {
		return 0, 0, fmt.Errorf("invalid BASE_ID %q: must be a positive integer", args[0])
	}
	targetID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || targetID <= 0 {
		return 0, 0, fmt.Errorf("invalid TARGET_ID %q: must be a positive integer", args[1])
	}
	return baseID, targetID, nil
}

// setupOutput picks the progress renderer and builds a logger that does not
// interfere with it.
func setupOutput(cfg config.Config, stderr *os.File) (*zap.Logger, progress.Renderer, error) {
	mode := cfg.Progress.Mode
	if mode == config.ProgressAuto {
		mode = config.ProgressLog
		if progress.IsTerminal(stderr) {
			mode = config.ProgressTerminal
		}
	}

	var out zapcore.WriteSyncer
	var terminal *progress.TerminalRenderer
	if mode == config.ProgressTerminal {
		terminal = progress.NewTerminalRenderer(stderr)
		out = terminal.LogWriter(stderr)
	}
	logger, err := logging.New(cfg.Logging.Development, out)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}

	switch mode {
	case config.ProgressTerminal:
		return logger, terminal, nil
	case config.ProgressLog:
		return logger, progress.NewLogRenderer(logger.Named("progress")), nil
	default:
		return logger, nil, nil
	}
}

func printResult(w io.Writer, hits []int64) error {
	for _, id := range hits {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return fmt.Errorf("print hits: %w", err)
		}
	}
	return nil
}
