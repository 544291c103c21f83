// Command triage renders GO / NO-GO / NEEDS-ANALYSIS verdicts for federal
// contracting opportunities: a deterministic knockout pass over the rule
// pack, then batch model assessment for the survivors.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sourceonespares/sos-triage/internal/config"
	"github.com/sourceonespares/sos-triage/internal/driver"
	"github.com/sourceonespares/sos-triage/internal/highergov"
	"github.com/sourceonespares/sos-triage/internal/mistral"
	"github.com/sourceonespares/sos-triage/internal/rulepack"
)

var (
	flagBatch          bool
	flagEndpoints      string
	flagCheckStatus    string
	flagDownload       string
	flagRunID          string
	flagPack           string
	flagConfig         string
	flagOutput         string
	flagVerbose        bool
	flagNonInteractive bool
	flagSkipVerify     bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(driver.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage [search-id]",
		Short: "Two-stage GO/NO-GO triage for federal contracting opportunities",
		Long: `triage fetches opportunities for one or more HigherGov saved searches,
knocks out disqualified records with the rule pack, ships the survivors to
the Mistral batch API for assessment and writes a per-run output directory
with JSON, CSV and summary artifacts.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().BoolVar(&flagBatch, "batch", false, "batch mode: read search ids from the endpoints file")
	cmd.Flags().StringVar(&flagEndpoints, "endpoints", "endpoints.txt", "endpoints file for batch mode")
	cmd.Flags().StringVar(&flagCheckStatus, "check-status", "", "probe a remote batch job and exit")
	cmd.Flags().StringVar(&flagDownload, "download", "", "reconcile a finished remote batch job into a run directory")
	cmd.Flags().StringVar(&flagRunID, "run-id", "", "fixed run id (deterministic re-runs)")
	cmd.Flags().StringVar(&flagPack, "pack", "", "knockout rule pack path (default: embedded pack)")
	cmd.Flags().StringVar(&flagConfig, "config", "triage.yaml", "configuration file")
	cmd.Flags().StringVar(&flagOutput, "output", "", "output root directory (default: SOS_Output)")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&flagNonInteractive, "non-interactive", false, "no attended polling; apply the batch wait timeout")
	cmd.Flags().BoolVar(&flagSkipVerify, "skip-verification", false, "skip the model warmup call")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrBadInput, err)
	}
	if flagOutput != "" {
		cfg.OutputRoot = flagOutput
	}
	if flagPack != "" {
		cfg.PackPath = flagPack
	}
	if flagNonInteractive {
		cfg.Attended = false
	}
	if flagSkipVerify {
		cfg.SkipVerification = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrBadInput, err)
	}

	pack, err := loadPack(cfg.PackPath)
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrBadInput, err)
	}
	logger.Debug("rule pack loaded", zap.String("version", pack.Version()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	batch := mistral.New(cfg.Mistral.BaseURL, cfg.Mistral.APIKey, cfg.HTTPTimeout(), logger)
	fetcher := highergov.New(cfg.HigherGov.BaseURL, cfg.HigherGov.APIKey, cfg.UpstreamTimeout(), cfg.HigherGov.MaxPages, logger)

	d := driver.New(cfg, pack, fetcher, batch, logger)
	d.RunID = flagRunID

	switch {
	case flagCheckStatus != "":
		return d.CheckStatus(ctx, flagCheckStatus)
	case flagDownload != "":
		return d.Download(ctx, flagDownload)
	case flagBatch:
		ids, err := driver.ReadEndpointsFile(flagEndpoints, logger)
		if err != nil {
			return err
		}
		return d.Run(ctx, ids)
	case len(args) == 1:
		return d.Run(ctx, args[:1])
	default:
		return fmt.Errorf("%w: a search id or --batch is required", driver.ErrBadInput)
	}
}

func loadPack(path string) (*rulepack.Pack, error) {
	if path == "" {
		return rulepack.LoadDefault()
	}
	return rulepack.Load(path)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Join(driver.ErrBadInput, err)
	}
	return logger, nil
}
